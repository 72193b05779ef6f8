package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// TypeTable is the static metric name -> MetricType mapping. Names missing
// from the table are OTHER and pass through the compressor untouched.
type TypeTable struct {
	types map[string]model.MetricType
}

// NewTypeTable parses a name -> type-name mapping. Any unknown type name is a
// ConfigurationError.
func NewTypeTable(raw map[string]string) (*TypeTable, error) {
	t := &TypeTable{types: make(map[string]model.MetricType, len(raw))}
	for name, typeName := range raw {
		mt, err := model.ParseMetricType(typeName)
		if err != nil {
			return nil, &model.ConfigurationError{Field: "metric-types." + name, Err: err}
		}
		t.types[name] = mt
	}
	return t, nil
}

type typeTableFile struct {
	Metrics map[string]string `yaml:"metrics"`
}

// LoadTypeTable reads a YAML file of the form
//
//	metrics:
//	  reqs: counter
//	  heap_used: gauge
func LoadTypeTable(path string) (*TypeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read type table: %w", err)
	}
	var f typeTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &model.ConfigurationError{Field: path, Reason: "invalid type table", Err: err}
	}
	if f.Metrics == nil {
		return nil, &model.ConfigurationError{Field: path, Err: errors.New("missing metrics section")}
	}
	return NewTypeTable(f.Metrics)
}

// Lookup returns the type of name, OTHER when unlisted.
func (t *TypeTable) Lookup(name string) model.MetricType {
	if t == nil {
		return model.Other
	}
	if mt, ok := t.types[name]; ok {
		return mt
	}
	return model.Other
}

// Len returns the number of declared metrics.
func (t *TypeTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.types)
}

// Merge returns a new table holding t's entries overridden by other's.
func (t *TypeTable) Merge(other *TypeTable) *TypeTable {
	out := &TypeTable{types: make(map[string]model.MetricType)}
	if t != nil {
		maps.Copy(out.types, t.types)
	}
	if other != nil {
		maps.Copy(out.types, other.types)
	}
	return out
}

func (t *TypeTable) with(name string, mt model.MetricType) {
	t.types[name] = mt
}
