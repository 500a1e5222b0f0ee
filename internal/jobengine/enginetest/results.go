package enginetest

import (
	"fmt"

	"github.com/ternarybob/optionscan/internal/models"
)

// Result builds a scan result with the given number of scored calls and puts.
// Scores descend from 1.0 so every item has a distinct, predictable score.
func Result(symbol string, calls, puts int, price float64) *models.ScanResult {
	result := &models.ScanResult{
		Symbol:          symbol,
		UnderlyingPrice: &price,
		Expiry:          "2026-11-20",
		Calls:           make([]models.OptionScore, 0, calls),
		Puts:            make([]models.OptionScore, 0, puts),
	}
	for i := 0; i < calls; i++ {
		result.Calls = append(result.Calls, option(symbol, "C", i, price))
	}
	for i := 0; i < puts; i++ {
		result.Puts = append(result.Puts, option(symbol, "P", i, price))
	}
	return result
}

func option(symbol, kind string, i int, price float64) models.OptionScore {
	strike := price + float64(i)
	if kind == "P" {
		strike = price - float64(i)
	}
	return models.OptionScore{
		Contract: fmt.Sprintf("%s261120%s%08d", symbol, kind, int(strike*1000)),
		Strike:   strike,
		Expiry:   "2026-11-20",
		Bid:      1.00,
		Ask:      1.10,
		Score:    1.0 - float64(i)*0.01,
	}
}
