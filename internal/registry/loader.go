package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"procgate/internal/domain"
)

// File format:
//
//	procedures:
//	  - name: usp_GetOrders
//	    class: read_only
//	    timeout: 10s
//	    parameters:
//	      - name: customer_id
//	        type: INTEGER
//	        direction: Input
//	        required: true

type registryFile struct {
	Procedures []procedureEntry `yaml:"procedures"`
}

type procedureEntry struct {
	Name       string           `yaml:"name"`
	Class      string           `yaml:"class"`
	Idempotent bool             `yaml:"idempotent"`
	Timeout    string           `yaml:"timeout"`
	Parameters []parameterEntry `yaml:"parameters"`
}

type parameterEntry struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Direction string `yaml:"direction"`
	Required  bool   `yaml:"required"`
}

// Load reads a YAML registry file, validates every entry, and returns a
// sealed registry. Any invalid entry fails the whole load.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a sealed registry from YAML content.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Procedures) == 0 {
		return nil, fmt.Errorf("registry defines no procedures")
	}

	reg := New()
	for _, entry := range file.Procedures {
		proc, err := entry.toProcedure()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(proc); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

func (e procedureEntry) toProcedure() (*Procedure, error) {
	p := &Procedure{
		Name:       e.Name,
		Class:      ToolClass(e.Class),
		Idempotent: e.Idempotent,
	}
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("procedure %q: invalid timeout %q: %w", e.Name, e.Timeout, err)
		}
		p.Timeout = d
	}
	for _, pe := range e.Parameters {
		direction := domain.ParameterDirection(pe.Direction)
		if pe.Direction == "" {
			direction = domain.DirectionInput
		}
		p.Parameters = append(p.Parameters, ParameterSpec{
			Name:      pe.Name,
			Type:      pe.Type,
			Direction: direction,
			Required:  pe.Required,
		})
	}
	return p, nil
}
