package common

import (
	"fmt"
	"sort"
	"strings"
)

// NormalizeSymbol trims and upper-cases a symbol and checks its characters.
// Exchange-qualified symbols ("NYSE:AAPL") and share classes ("BRK.B") are accepted.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if len(s) > 24 {
		return "", fmt.Errorf("symbol %q is too long", symbol)
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == ':', r == '-', r == '^', r == '/':
		default:
			return "", fmt.Errorf("symbol %q contains invalid character %q", symbol, r)
		}
	}
	return s, nil
}

// NormalizeSymbols normalizes a list of symbols, dropping duplicates and keeping first-seen order.
func NormalizeSymbols(symbols []string) ([]string, error) {
	seen := make(map[string]bool, len(symbols))
	result := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		s, err := NormalizeSymbol(raw)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		result = append(result, s)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no symbols provided")
	}
	return result, nil
}

// SplitSymbols splits a comma or whitespace separated symbol list
func SplitSymbols(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
}

// SortedKeys returns the keys of a string-keyed map in lexical order
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
