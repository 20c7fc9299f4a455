// Package pricing converts realised compute cost into user-facing cost and
// points. Quotes are deterministic for a fixed (version, cost, service, tier)
// tuple; the multiplier table is immutable after load and every change ships
// as a new version.
package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/noemahq/noema/internal/core"
)

// PointsPerUSD is the fixed conversion rate: 1 USD = 2800 points.
var PointsPerUSD = decimal.NewFromInt(2800)

// Table is the versioned multiplier configuration.
type Table struct {
	Version     string                        `yaml:"version"`
	Multipliers map[string]map[string]float64 `yaml:"multipliers"` // service → tier → multiplier
}

// Quote is the priced outcome of one generation.
type Quote struct {
	Multiplier     decimal.Decimal `json:"multiplier"`
	ComputeCostUsd decimal.Decimal `json:"computeCostUsd"`
	PlatformFeeUsd decimal.Decimal `json:"platformFeeUsd"`
	FinalCostUsd   decimal.Decimal `json:"finalCostUsd"`
	TotalPoints    int64           `json:"totalPoints"`
	Tier           core.Tier       `json:"tier"`
	ConfigVersion  string          `json:"configVersion"`
}

// Engine applies the table. It carries no mutable state.
type Engine struct {
	table Table
}

// NewEngine wraps an already-loaded table.
func NewEngine(table Table) *Engine {
	return &Engine{table: table}
}

// LoadTable reads a multiplier table from YAML. A missing path yields the
// built-in default table so development boots without config files.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return defaultTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTable(), nil
		}
		return Table{}, fmt.Errorf("failed to read pricing table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("failed to parse pricing table: %w", err)
	}
	if t.Version == "" {
		return Table{}, fmt.Errorf("pricing table at %s has no version", path)
	}
	return t, nil
}

func defaultTable() Table {
	return Table{
		Version: "2025-06-01",
		Multipliers: map[string]map[string]float64{
			"comfyui": {
				string(core.TierStandard): 3.0,
				string(core.TierMS2):      2.0,
			},
			"dalle": {
				string(core.TierStandard): 1.5,
				string(core.TierMS2):      1.25,
			},
			"vastai-training": {
				string(core.TierStandard): 1.2,
				string(core.TierMS2):      1.1,
			},
		},
	}
}

// Version reports the loaded table version.
func (e *Engine) Version() string { return e.table.Version }

// MultiplierFor resolves the service multiplier for a tier. Services absent
// from the table pass cost through at 1.0.
func (e *Engine) MultiplierFor(serviceName string, tier core.Tier) decimal.Decimal {
	tiers, ok := e.table.Multipliers[serviceName]
	if !ok {
		return decimal.NewFromInt(1)
	}
	if m, ok := tiers[string(tier)]; ok {
		return decimal.NewFromFloat(m)
	}
	if m, ok := tiers[string(core.TierStandard)]; ok {
		return decimal.NewFromFloat(m)
	}
	return decimal.NewFromInt(1)
}

// QuoteCost prices a compute cost. Points round up so fractional points are
// never given away.
func (e *Engine) QuoteCost(computeCostUsd decimal.Decimal, serviceName string, tier core.Tier) Quote {
	multiplier := e.MultiplierFor(serviceName, tier)
	finalCost := computeCostUsd.Mul(multiplier)
	fee := finalCost.Sub(computeCostUsd)
	points := finalCost.Mul(PointsPerUSD).Ceil().IntPart()

	return Quote{
		Multiplier:     multiplier,
		ComputeCostUsd: computeCostUsd,
		PlatformFeeUsd: fee,
		FinalCostUsd:   finalCost,
		TotalPoints:    points,
		Tier:           tier,
		ConfigVersion:  e.table.Version,
	}
}

// EstimateCost computes the pre-flight compute cost of a tool before the run
// happens: static models bill their flat amount; dynamic models bill the
// rate against the tool's maximum duration (seconds) or a single unit, so
// the reservation check never under-quotes.
func EstimateCost(tool *core.Tool) decimal.Decimal {
	switch tool.Costing.Kind {
	case "static":
		return tool.Costing.Amount
	case "dynamic":
		switch tool.Costing.Unit {
		case "second":
			maxSeconds := decimal.NewFromInt(tool.MaxDurationMs / 1000)
			if maxSeconds.IsZero() {
				maxSeconds = decimal.NewFromInt(60)
			}
			return tool.Costing.Rate.Mul(maxSeconds)
		default:
			return tool.Costing.Rate
		}
	}
	return decimal.Zero
}

// RealisedCost computes the actual compute cost after a run: per-second
// models bill the realised duration, per-token models bill the reported
// token count, per-run models bill flat.
func RealisedCost(model core.CostingModel, durationMs int64, tokens int64) decimal.Decimal {
	switch model.Kind {
	case "static":
		return model.Amount
	case "dynamic":
		switch model.Unit {
		case "second":
			seconds := decimal.NewFromInt(durationMs).Div(decimal.NewFromInt(1000))
			return model.Rate.Mul(seconds)
		case "token":
			return model.Rate.Mul(decimal.NewFromInt(tokens))
		case "run":
			return model.Rate
		}
	}
	return decimal.Zero
}
