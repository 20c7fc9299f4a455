package registry

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/noemahq/noema/internal/core"
)

// seedFile is the boot-time catalog: a version stamp plus tool definitions.
// Costs are written as plain floats in YAML and converted to decimals here;
// the stored documents are the source of truth after seeding.
type seedFile struct {
	Version string     `yaml:"version"`
	Tools   []seedTool `yaml:"tools"`
}

type seedTool struct {
	ToolID        string            `yaml:"tool_id"`
	CommandName   string            `yaml:"command_name"`
	DisplayName   string            `yaml:"display_name"`
	Description   string            `yaml:"description"`
	Service       string            `yaml:"service"`
	DeliveryMode  string            `yaml:"delivery_mode"`
	Costing       seedCosting       `yaml:"costing"`
	MaxDurationMs int64             `yaml:"max_duration_ms"`
	Params        []core.ToolParam  `yaml:"params"`
	Passthrough   bool              `yaml:"passthrough"`
	Metadata      map[string]string `yaml:"metadata"`
}

type seedCosting struct {
	Kind   string  `yaml:"kind"`
	Amount float64 `yaml:"amount"`
	Rate   float64 `yaml:"rate"`
	Unit   string  `yaml:"unit"`
}

// LoadSeedFile reads tool definitions from YAML. A missing file is not an
// error: deployments that manage the catalog directly in the store boot
// without seeds.
func LoadSeedFile(path string) ([]core.Tool, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tool seeds: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tool seeds: %w", err)
	}

	out := make([]core.Tool, 0, len(f.Tools))
	for i, st := range f.Tools {
		if st.ToolID == "" {
			return nil, fmt.Errorf("tool seed %d in %s has no tool_id", i, path)
		}
		if st.Service == "" {
			return nil, fmt.Errorf("tool seed %q has no service", st.ToolID)
		}
		mode := st.DeliveryMode
		if mode == "" {
			mode = "async"
		}
		out = append(out, core.Tool{
			ToolID:       st.ToolID,
			CommandName:  st.CommandName,
			DisplayName:  st.DisplayName,
			Description:  st.Description,
			Service:      st.Service,
			DeliveryMode: mode,
			InputSchema: core.ToolSchema{
				Params:      st.Params,
				Passthrough: st.Passthrough,
			},
			Costing: core.CostingModel{
				Kind:   st.Costing.Kind,
				Amount: decimal.NewFromFloat(st.Costing.Amount),
				Rate:   decimal.NewFromFloat(st.Costing.Rate),
				Unit:   st.Costing.Unit,
			},
			MaxDurationMs: st.MaxDurationMs,
			Metadata:      st.Metadata,
		})
	}
	return out, nil
}
