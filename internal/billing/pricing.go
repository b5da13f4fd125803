package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const tokensPerMillion = 1_000_000.0

var (
	// ErrUnknownModel is returned when a model has no price table entry.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidTokens is returned for negative token counts.
	ErrInvalidTokens = errors.New("token counts must be non-negative")
)

// ModelPrice is the per-token price pair of one model.
type ModelPrice struct {
	Model          string  `json:"model"`
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// PriceTable maps model identifiers to prices. It is immutable after
// construction and safe for concurrent use.
type PriceTable struct {
	version string
	prices  map[string]ModelPrice
}

// priceFile is the on-disk TOML shape. Prices are expressed per million
// tokens, the way providers publish them.
type priceFile struct {
	Version string                    `toml:"version"`
	Models  map[string]priceFileEntry `toml:"models"`
}

type priceFileEntry struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// NewPriceTable builds a table from per-million prices keyed by model.
func NewPriceTable(version string, perMillion map[string][2]float64) (*PriceTable, error) {
	t := &PriceTable{
		version: version,
		prices:  make(map[string]ModelPrice, len(perMillion)),
	}
	for model, p := range perMillion {
		if err := t.add(model, p[0], p[1]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultPriceTable returns the built-in Claude 4.5 price list.
func DefaultPriceTable() *PriceTable {
	t, _ := NewPriceTable("2025-11", map[string][2]float64{
		"claude-sonnet-4-5-20250929": {3.00, 15.00},
		"claude-opus-4-5-20251101":   {15.00, 75.00},
		"claude-haiku-4-5-20251001":  {0.80, 4.00},
	})
	return t
}

// LoadPriceTable reads a TOML price file:
//
//	version = "2025-11"
//
//	[models."claude-sonnet-4-5-20250929"]
//	input_per_million = 3.0
//	output_per_million = 15.0
func LoadPriceTable(path string) (*PriceTable, error) {
	var f priceFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode price table %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("price table %s defines no models", path)
	}

	perMillion := make(map[string][2]float64, len(f.Models))
	for model, entry := range f.Models {
		perMillion[model] = [2]float64{entry.InputPerMillion, entry.OutputPerMillion}
	}
	return NewPriceTable(f.Version, perMillion)
}

func (t *PriceTable) add(model string, inputPerMillion, outputPerMillion float64) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("price table entry has empty model name")
	}
	if inputPerMillion < 0 || outputPerMillion < 0 {
		return fmt.Errorf("price for model %s must be non-negative", model)
	}
	t.prices[model] = ModelPrice{
		Model:          model,
		InputPerToken:  inputPerMillion / tokensPerMillion,
		OutputPerToken: outputPerMillion / tokensPerMillion,
	}
	return nil
}

// Version identifies the price list revision.
func (t *PriceTable) Version() string {
	return t.version
}

// Price returns the price pair for a model.
func (t *PriceTable) Price(model string) (ModelPrice, error) {
	p, ok := t.prices[model]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// Cost computes the USD cost of a call. The result is never rounded.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int64) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, ErrInvalidTokens
	}
	p, err := t.Price(model)
	if err != nil {
		return 0, err
	}
	return float64(inputTokens)*p.InputPerToken + float64(outputTokens)*p.OutputPerToken, nil
}

// Models returns the priced model identifiers in sorted order.
func (t *PriceTable) Models() []string {
	models := make([]string, 0, len(t.prices))
	for m := range t.prices {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// FormatCost formats a cost value as a string with currency
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

// FormatCostCompact formats a cost value in a compact way
func FormatCostCompact(cost float64) string {
	if cost >= 1000 {
		return fmt.Sprintf("$%.2fK", cost/1000)
	}
	if cost >= 1 {
		return fmt.Sprintf("$%.2f", cost)
	}
	return fmt.Sprintf("$%.4f", cost)
}
