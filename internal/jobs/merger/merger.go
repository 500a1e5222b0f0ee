// Package merger combines the per-symbol results of a batch into one ranked dataset.
package merger

import (
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/optionscan/internal/models"
)

// ExpiryPolicy selects which key supplies the representative expiry
type ExpiryPolicy string

const (
	// ExpiryFirstSymbol takes the expiry of the lexicographically first successful key.
	ExpiryFirstSymbol ExpiryPolicy = "first_symbol"

	// ExpiryFirstCompleted takes the expiry of the first key in completion order.
	// Under concurrent polling this differs between runs with identical inputs.
	ExpiryFirstCompleted ExpiryPolicy = "first_completed"
)

// ParseExpiryPolicy converts a configuration value, defaulting to ExpiryFirstSymbol
func ParseExpiryPolicy(s string) (ExpiryPolicy, error) {
	switch ExpiryPolicy(s) {
	case "", ExpiryFirstSymbol:
		return ExpiryFirstSymbol, nil
	case ExpiryFirstCompleted:
		return ExpiryFirstCompleted, nil
	}
	return "", fmt.Errorf("unknown expiry policy %q", s)
}

// Contribution is one key's entry in a batch: a result, or the reason it has none
type Contribution struct {
	Key    string
	Result *models.ScanResult
	Err    string
}

// Failed reports whether the contribution is an empty placeholder
func (c Contribution) Failed() bool {
	return c.Result == nil
}

// Merge builds the merged result. contributions must be in completion order.
// Output depends only on the input order; the inputs are not modified.
func Merge(batchID string, contributions []Contribution, policy ExpiryPolicy) *models.MergedResult {
	merged := &models.MergedResult{
		BatchID:    batchID,
		Symbols:    []string{},
		Calls:      []models.OptionScore{},
		Puts:       []models.OptionScore{},
		FailedKeys: []string{},
		Failures:   map[string]string{},
		Requested:  len(contributions),
		MergedAt:   time.Now(),
	}

	var priceSum float64
	var priceCount int

	for _, c := range contributions {
		if c.Failed() {
			merged.FailedKeys = append(merged.FailedKeys, c.Key)
			reason := c.Err
			if reason == "" {
				reason = "no result"
			}
			merged.Failures[c.Key] = reason
			continue
		}

		merged.Symbols = append(merged.Symbols, c.Key)
		merged.Calls = appendTagged(merged.Calls, c.Result.Calls, c.Key)
		merged.Puts = appendTagged(merged.Puts, c.Result.Puts, c.Key)

		if c.Result.UnderlyingPrice != nil {
			priceSum += *c.Result.UnderlyingPrice
			priceCount++
		}
	}

	merged.Succeeded = len(merged.Symbols)
	sort.Strings(merged.FailedKeys)

	if priceCount > 0 {
		mean := priceSum / float64(priceCount)
		merged.UnderlyingPrice = &mean
	}

	merged.ExpirySource, merged.Expiry = representativeExpiry(contributions, policy)

	rank(merged.Calls)
	rank(merged.Puts)

	return merged
}

func appendTagged(dst, src []models.OptionScore, key string) []models.OptionScore {
	for _, item := range src {
		item.SourceSymbol = key
		dst = append(dst, item)
	}
	return dst
}

// rank sorts by score descending. Ties fall back to symbol then strike.
func rank(items []models.OptionScore) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SourceSymbol != b.SourceSymbol {
			return a.SourceSymbol < b.SourceSymbol
		}
		return a.Strike < b.Strike
	})
}

// representativeExpiry returns the source key and its expiry. Keys without an expiry are skipped.
func representativeExpiry(contributions []Contribution, policy ExpiryPolicy) (string, string) {
	source, expiry := "", ""
	for _, c := range contributions {
		if c.Failed() || c.Result.Expiry == "" {
			continue
		}
		if policy == ExpiryFirstCompleted {
			return c.Key, c.Result.Expiry
		}
		if source == "" || c.Key < source {
			source, expiry = c.Key, c.Result.Expiry
		}
	}
	return source, expiry
}
