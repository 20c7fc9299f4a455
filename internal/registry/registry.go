// Package registry is the in-memory tool catalog: identifier resolution and
// input-schema validation. Tools load from the store at boot and on demand;
// lookups never touch the database.
package registry

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/noemahq/noema/internal/core"
)

// toolLoader is the store dependency: the full current catalog.
type toolLoader interface {
	LoadTools(ctx context.Context) ([]core.Tool, error)
}

// Registry resolves tool identifiers through three lookup tables. All maps
// are replaced wholesale under the write lock on refresh, so readers never
// see a partial catalog.
type Registry struct {
	mu             sync.RWMutex
	byID           map[string]*core.Tool
	byCommand      map[string]*core.Tool
	byDisplayLower map[string]*core.Tool
	loader         toolLoader
	logger         *log.Logger
}

func New(loader toolLoader) *Registry {
	return &Registry{
		byID:           make(map[string]*core.Tool),
		byCommand:      make(map[string]*core.Tool),
		byDisplayLower: make(map[string]*core.Tool),
		loader:         loader,
		logger:         log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Load pulls the catalog from the store and swaps the lookup tables.
func (r *Registry) Load(ctx context.Context) error {
	tools, err := r.loader.LoadTools(ctx)
	if err != nil {
		return err
	}
	r.Replace(tools)
	return nil
}

// Replace installs a new catalog. Used by Load and by tests.
func (r *Registry) Replace(tools []core.Tool) {
	byID := make(map[string]*core.Tool, len(tools))
	byCommand := make(map[string]*core.Tool, len(tools))
	byDisplay := make(map[string]*core.Tool, len(tools))
	for i := range tools {
		t := &tools[i]
		byID[t.ToolID] = t
		if t.CommandName != "" {
			byCommand[t.CommandName] = t
		}
		if t.DisplayName != "" {
			byDisplay[strings.ToLower(t.DisplayName)] = t
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byCommand = byCommand
	r.byDisplayLower = byDisplay
	r.mu.Unlock()
	r.logger.Printf("📦 Loaded %d tools", len(tools))
}

// Resolve finds a tool by any accepted identifier, trying toolId, then
// commandName, then case-insensitive displayName with or without a leading
// slash. Returns (nil, false) for unknown identifiers.
func (r *Registry) Resolve(identifier string) (*core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.byID[identifier]; ok {
		return t, true
	}
	if t, ok := r.byCommand[identifier]; ok {
		return t, true
	}
	lower := strings.ToLower(identifier)
	if t, ok := r.byDisplayLower[lower]; ok {
		return t, true
	}
	if trimmed := strings.TrimPrefix(lower, "/"); trimmed != lower {
		if t, ok := r.byDisplayLower[trimmed]; ok {
			return t, true
		}
	} else if t, ok := r.byDisplayLower["/"+lower]; ok {
		return t, true
	}
	return nil, false
}

// List returns every tool, for the public catalog endpoints.
func (r *Registry) List() []core.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Tool, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	return out
}

// Count reports catalog size.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ============================================================================
// INPUT VALIDATION
// ============================================================================

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Message }

// ValidateAndDefault checks raw inputs against the tool's schema and returns
// the resolved input object: defaults applied, values coerced to the declared
// types, unknown keys dropped unless the schema is passthrough. The error
// list is non-nil only when the inputs are unusable.
func ValidateAndDefault(tool *core.Tool, raw map[string]interface{}) (map[string]interface{}, []FieldError) {
	resolved := make(map[string]interface{}, len(tool.InputSchema.Params))
	var errs []FieldError

	known := make(map[string]bool, len(tool.InputSchema.Params))
	for _, p := range tool.InputSchema.Params {
		known[p.Name] = true

		val, present := raw[p.Name]
		if !present || val == nil {
			if p.Default != nil {
				resolved[p.Name] = p.Default
			} else if p.Required {
				errs = append(errs, FieldError{Field: p.Name, Message: "required"})
			}
			continue
		}

		coerced, err := coerce(val, p.Type)
		if err != nil {
			errs = append(errs, FieldError{Field: p.Name, Message: err.Error()})
			continue
		}
		if err := checkRange(coerced, p); err != nil {
			errs = append(errs, FieldError{Field: p.Name, Message: err.Error()})
			continue
		}
		resolved[p.Name] = coerced
	}

	if tool.InputSchema.Passthrough {
		for k, v := range raw {
			if !known[k] {
				resolved[k] = v
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return resolved, nil
}

// coerce converts a raw JSON value into the declared parameter type. JSON
// numbers arrive as float64 and clients routinely send numbers as strings,
// so both directions are handled.
func coerce(val interface{}, typ string) (interface{}, error) {
	switch typ {
	case "string":
		switch v := val.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
	case "number":
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
	case "integer":
		switch v := val.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
	case "boolean":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
	default:
		// Untyped params pass through as-is.
		return val, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, val)
}

func checkRange(val interface{}, p core.ToolParam) error {
	if p.Min != nil || p.Max != nil {
		var f float64
		switch v := val.(type) {
		case float64:
			f = v
		case int64:
			f = float64(v)
		default:
			return nil
		}
		if p.Min != nil && f < *p.Min {
			return fmt.Errorf("below minimum %v", *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return fmt.Errorf("above maximum %v", *p.Max)
		}
	}
	if len(p.Enum) > 0 {
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("enum values must be strings")
		}
		for _, allowed := range p.Enum {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("%q not in %v", s, p.Enum)
	}
	return nil
}
