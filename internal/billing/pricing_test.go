package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sonnet = "claude-sonnet-4-5-20250929"

func TestCostMatchesPriceTable(t *testing.T) {
	table := DefaultPriceTable()

	cost, err := table.Cost(sonnet, 1000, 500)
	require.NoError(t, err)
	assert.InDelta(t, 0.0105, cost, 1e-12)

	cases := []struct {
		model   string
		in, out int64
		inPerM  float64
		outPerM float64
	}{
		{"claude-opus-4-5-20251101", 2_000, 1_000, 15, 75},
		{"claude-haiku-4-5-20251001", 1_000_000, 0, 0.80, 4.00},
		{sonnet, 0, 0, 3, 15},
	}
	for _, tc := range cases {
		cost, err := table.Cost(tc.model, tc.in, tc.out)
		require.NoError(t, err)
		want := float64(tc.in)*tc.inPerM/1e6 + float64(tc.out)*tc.outPerM/1e6
		assert.InDelta(t, want, cost, 1e-12, tc.model)
	}
}

func TestCostUnknownModel(t *testing.T) {
	_, err := DefaultPriceTable().Cost("gpt-imaginary", 1, 1)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "gpt-imaginary")
}

func TestCostRejectsNegativeTokens(t *testing.T) {
	_, err := DefaultPriceTable().Cost(sonnet, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidTokens)
}

func TestLoadPriceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.toml")
	content := `version = "test-1"

[models."custom-model"]
input_per_million = 2.0
output_per_million = 8.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", table.Version())
	assert.Equal(t, []string{"custom-model"}, table.Models())

	cost, err := table.Cost("custom-model", 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, cost, 1e-9)

	_, err = table.Cost(sonnet, 1, 1)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestLoadPriceTableRejectsEmptyAndNegative(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(empty, []byte(`version = "x"`), 0o600))
	_, err := LoadPriceTable(empty)
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.toml")
	require.NoError(t, os.WriteFile(negative, []byte("[models.m]\ninput_per_million = -1.0\noutput_per_million = 1.0\n"), 0o600))
	_, err = LoadPriceTable(negative)
	assert.Error(t, err)
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$0.0105", FormatCost(0.0105))
	assert.Equal(t, "$12.50", FormatCostCompact(12.5))
	assert.Equal(t, "$1.50K", FormatCostCompact(1500))
}
