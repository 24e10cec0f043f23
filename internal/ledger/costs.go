package ledger

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/capitalize-ai/streamturn/internal/model"
)

// CostTable maps each feature to its unit cost and charge policy. It is
// immutable once handed to a Ledger.
type CostTable map[model.Feature]model.FeatureCost

// DefaultCostTable returns the stock prices. Conversational features are
// charged before dispatch, generation features only on success.
func DefaultCostTable() CostTable {
	return CostTable{
		model.FeaturePersonalityChat: {Unit: decimal.NewFromInt(1), Policy: model.ChargeBeforeDispatch},
		model.FeatureChat:            {Unit: decimal.NewFromInt(1), Policy: model.ChargeBeforeDispatch},
		model.FeatureImage:           {Unit: decimal.NewFromInt(1), Policy: model.ChargeOnSuccess},
		model.FeatureVideo:           {Unit: decimal.RequireFromString("2.5"), Policy: model.ChargeOnSuccess},
		model.FeatureBuildAgent:      {Unit: decimal.NewFromInt(5), Policy: model.ChargeOnSuccess},
		model.FeatureCodingAgent:     {Unit: decimal.NewFromInt(5), Policy: model.ChargeOnSuccess},
	}
}

// Lookup returns the cost of f.
func (t CostTable) Lookup(f model.Feature) (model.FeatureCost, error) {
	cost, ok := t[f]
	if !ok {
		return model.FeatureCost{}, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	return cost, nil
}

// WithUnit returns a copy of t with the unit cost of f replaced. The charge
// policy of a feature cannot be overridden.
func (t CostTable) WithUnit(f model.Feature, unit decimal.Decimal) (CostTable, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	if unit.IsNegative() {
		return nil, fmt.Errorf("%w: %s cost %s", ErrInvalidAmount, f, unit)
	}
	out := make(CostTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	cost := out[f]
	cost.Unit = unit
	if cost.Policy == "" {
		cost.Policy = DefaultCostTable()[f].Policy
	}
	out[f] = cost
	return out, nil
}

// ParseCostTable applies "feature=unit" overrides, comma separated, to the
// default table, e.g. "video=3,image=1.5".
func ParseCostTable(overrides string) (CostTable, error) {
	return DefaultCostTable().Apply(overrides)
}

// Apply returns t with the "feature=unit" overrides applied. t itself
// is left unchanged.
func (t CostTable) Apply(overrides string) (CostTable, error) {
	table := t
	for _, part := range strings.Split(overrides, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid cost entry %q", part)
		}
		unit, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid cost for %s: %w", name, err)
		}
		table, err = table.WithUnit(model.Feature(strings.TrimSpace(name)), unit)
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

type costFile struct {
	Features map[string]struct {
		Unit any `toml:"unit"`
	} `toml:"features"`
}

// LoadCostTableFile applies overrides from a TOML file of the form
//
//	[features.video]
//	unit = 2.5
func LoadCostTableFile(path string) (CostTable, error) {
	var file costFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to decode cost table: %w", err)
	}

	table := DefaultCostTable()
	for name, entry := range file.Features {
		unit, err := toDecimal(entry.Unit)
		if err != nil {
			return nil, fmt.Errorf("invalid cost for %s: %w", name, err)
		}
		table, err = table.WithUnit(model.Feature(name), unit)
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported unit type %T", v)
	}
}
