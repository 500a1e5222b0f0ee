package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: " aapl ", want: "AAPL"},
		{in: "brk.b", want: "BRK.B"},
		{in: "NYSE:IBM", want: "NYSE:IBM"},
		{in: "^spx", want: "^SPX"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "AA PL", wantErr: true},
		{in: "AAPL$", wantErr: true},
		{in: "ABCDEFGHIJKLMNOPQRSTUVWXYZ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSymbol(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSymbols_DeduplicatesInOrder(t *testing.T) {
	got, err := NormalizeSymbols([]string{"msft", "AAPL", "MSFT", " aapl", "tsla"})
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT", "AAPL", "TSLA"}, got)

	_, err = NormalizeSymbols(nil)
	assert.Error(t, err)
	_, err = NormalizeSymbols([]string{"AAPL", "B@D"})
	assert.Error(t, err)
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"AAPL", "MSFT", "TSLA", "NVDA"}, SplitSymbols("AAPL, MSFT;TSLA\tNVDA,"))
	assert.Empty(t, SplitSymbols(" , "))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 3, "a": 1, "b": 2}))
}

func TestIDs(t *testing.T) {
	assert.Regexp(t, `^batch_[0-9a-f-]{36}$`, NewBatchID())
	assert.NotEqual(t, NewSubscriptionID(), NewSubscriptionID())
}
