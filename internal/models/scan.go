package models

import (
	"github.com/go-playground/validator/v10"
)

// Strategy names understood by the scoring engine
const (
	StrategyCoveredCall    = "covered_call"
	StrategyCashSecuredPut = "cash_secured_put"
	StrategyLongCall       = "long_call"
	StrategyLongPut        = "long_put"
	StrategyWheel          = "wheel"
)

// ScanParams are forwarded verbatim to the engine with every submission.
type ScanParams struct {
	Strategy        string `json:"strategy" toml:"strategy" yaml:"strategy" validate:"required,oneof=covered_call cash_secured_put long_call long_put wheel"`
	MinDTE          int    `json:"min_dte" toml:"min_dte" yaml:"min_dte" validate:"gte=0"`
	MaxDTE          int    `json:"max_dte" toml:"max_dte" yaml:"max_dte" validate:"gte=0,gtefield=MinDTE"`
	MinVolume       int    `json:"min_volume,omitempty" toml:"min_volume" yaml:"min_volume" validate:"gte=0"`
	MinOpenInterest int    `json:"min_open_interest,omitempty" toml:"min_open_interest" yaml:"min_open_interest" validate:"gte=0"`
	MaxResults      int    `json:"max_results,omitempty" toml:"max_results" yaml:"max_results" validate:"gte=0,lte=500"`
}

// DefaultScanParams returns the parameters used when a caller supplies none
func DefaultScanParams() ScanParams {
	return ScanParams{
		Strategy: StrategyWheel,
		MinDTE:   7,
		MaxDTE:   45,
	}
}

// Validate validates the parameters using go-playground/validator.
func (p ScanParams) Validate() error {
	return validator.New().Struct(p)
}

// OptionScore is one scored contract returned by the engine.
// SourceSymbol is stamped locally when results of several symbols are merged.
type OptionScore struct {
	Contract          string  `json:"contract"`
	Strike            float64 `json:"strike"`
	Expiry            string  `json:"expiry"`
	Bid               float64 `json:"bid"`
	Ask               float64 `json:"ask"`
	Last              float64 `json:"last"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	Delta             float64 `json:"delta"`
	OpenInterest      int64   `json:"open_interest"`
	Volume            int64   `json:"volume"`
	Score             float64 `json:"score"`
	SourceSymbol      string  `json:"source_symbol,omitempty"`
}

// ScanResult is the per-symbol payload delivered as result_data.
type ScanResult struct {
	Symbol          string        `json:"symbol"`
	UnderlyingPrice *float64      `json:"underlying_price,omitempty"`
	Expiry          string        `json:"expiry,omitempty"`
	Calls           []OptionScore `json:"calls"`
	Puts            []OptionScore `json:"puts"`
}

// ItemCount returns the number of scored contracts in the result
func (r *ScanResult) ItemCount() int {
	if r == nil {
		return 0
	}
	return len(r.Calls) + len(r.Puts)
}

// ScanDefinition is a named, optionally scheduled scan loaded from a definitions file.
type ScanDefinition struct {
	Name     string     `json:"name" toml:"name" yaml:"name" validate:"required"`
	Schedule string     `json:"schedule" toml:"schedule" yaml:"schedule"`
	Symbols  []string   `json:"symbols" toml:"symbols" yaml:"symbols" validate:"required,min=1,dive,required"`
	Params   ScanParams `json:"params" toml:"params" yaml:"params"`
	Enabled  bool       `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// Validate validates the definition and its parameters
func (d ScanDefinition) Validate() error {
	return validator.New().Struct(d)
}
