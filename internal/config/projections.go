package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/schema"
)

// Projections declares folds and payload schemas per event type:
//
//	events:
//	  ORDER.ITEM_ADDED:
//	    schema: |
//	      sku:      string
//	      quantity: int & >0
//	      price:    int & >=0
//	    fold:
//	      - {op: append, path: items, from: "{sku,quantity,price}"}
//	      - {op: add, path: total, from: quantity, times: price}
type Projections struct {
	Events map[string]EventDef `yaml:"events"`
}

// EventDef is the definition of one event type.
type EventDef struct {
	// Schema is optional CUE source for the payload.
	Schema string          `yaml:"schema,omitempty"`
	Fold   []projection.Op `yaml:"fold"`
}

// ParseProjections decodes a projections document.
func ParseProjections(data []byte) (*Projections, error) {
	var p Projections
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse projections: %w", err)
	}
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("parse projections: no events defined")
	}
	return &p, nil
}

// LoadProjections reads a projections file.
func LoadProjections(path string) (*Projections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projections: %w", err)
	}
	return ParseProjections(data)
}

// Types returns the declared event types, sorted.
func (p *Projections) Types() []string {
	types := make([]string, 0, len(p.Events))
	for t := range p.Events {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build compiles the folds into a fold registry and the schemas into a
// schema registry.
func (p *Projections) Build(opts ...projection.RegistryOption) (*projection.Registry, *schema.Registry, error) {
	folds := projection.NewRegistry(opts...)
	schemas := schema.NewRegistry()
	for _, typ := range p.Types() {
		if err := event.ValidateType(typ); err != nil {
			return nil, nil, fmt.Errorf("projections: %w", err)
		}
		def := p.Events[typ]
		if err := folds.RegisterOps(typ, def.Fold); err != nil {
			return nil, nil, fmt.Errorf("projections: %w", err)
		}
		if def.Schema == "" {
			continue
		}
		if err := schemas.Register(typ, def.Schema); err != nil {
			return nil, nil, fmt.Errorf("projections: %w", err)
		}
	}
	return folds, schemas, nil
}
