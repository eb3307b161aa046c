// Package catalog provides the read-only contract registry mapping a tool
// identifier to its resource envelope.
//
// A Catalog is built once (from YAML or in code) and never mutated afterwards,
// so concurrent readers need no synchronization.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/roundtable/core"
)

//go:embed contracts.yaml
var defaultCatalog []byte

// NotFoundError is returned by Resolve for unknown tool identifiers.
type NotFoundError struct {
	ToolID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no contract for tool %q", e.ToolID)
}

// Is makes NotFoundError match core.ErrContractNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == core.ErrContractNotFound
}

// Catalog is an immutable registry of contracts keyed by tool identifier.
type Catalog struct {
	contracts map[string]core.Contract
}

// New builds a catalog from contracts after validating them.
func New(contracts ...core.Contract) (*Catalog, error) {
	m := make(map[string]core.Contract, len(contracts))
	var errs []error
	for i, c := range contracts {
		if err := validate(c); err != nil {
			errs = append(errs, fmt.Errorf("contract %d: %w", i, err))
			continue
		}
		if _, dup := m[c.ToolID]; dup {
			errs = append(errs, fmt.Errorf("contract %d: duplicate tool id %q", i, c.ToolID))
			continue
		}
		m[c.ToolID] = c
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Catalog{contracts: m}, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and
// static package-level catalogs.
func MustNew(contracts ...core.Contract) *Catalog {
	c, err := New(contracts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve returns the contract registered for toolID. Unknown identifiers
// yield a *NotFoundError; there is no default contract.
func (c *Catalog) Resolve(toolID string) (core.Contract, error) {
	contract, ok := c.contracts[toolID]
	if !ok {
		return core.Contract{}, &NotFoundError{ToolID: toolID}
	}
	return contract, nil
}

// List returns all contracts sorted by tool identifier.
func (c *Catalog) List() []core.Contract {
	out := make([]core.Contract, 0, len(c.contracts))
	for _, contract := range c.contracts {
		out = append(out, contract)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Len returns the number of contracts.
func (c *Catalog) Len() int { return len(c.contracts) }

func validate(c core.Contract) error {
	switch {
	case strings.TrimSpace(c.ToolID) == "":
		return errors.New("tool id is required")
	case c.Version < 1:
		return fmt.Errorf("tool %q: version must be >= 1", c.ToolID)
	case c.MaxCost <= 0:
		return fmt.Errorf("tool %q: max cost must be positive", c.ToolID)
	case c.MaxTokens <= 0:
		return fmt.Errorf("tool %q: max tokens must be positive", c.ToolID)
	case c.CostPerToken < 0:
		return fmt.Errorf("tool %q: cost per token must not be negative", c.ToolID)
	case c.EstimatedOutputTokens < 0:
		return fmt.Errorf("tool %q: estimated output tokens must not be negative", c.ToolID)
	}
	return nil
}

// file is the YAML representation of a catalog.
type file struct {
	Contracts []entry `yaml:"contracts"`
}

type entry struct {
	ToolID                string  `yaml:"tool_id"`
	Version               int     `yaml:"version"`
	MaxCost               float64 `yaml:"max_cost"`
	MaxTokens             int     `yaml:"max_tokens"`
	CostPerToken          float64 `yaml:"cost_per_token"`
	EstimatedOutputTokens int     `yaml:"estimated_output_tokens"`
}

func (e entry) contract() (core.Contract, error) {
	toolID := strings.TrimSpace(e.ToolID)
	rate, err := core.Rate(e.CostPerToken)
	if err != nil {
		return core.Contract{}, fmt.Errorf("tool %q: cost per token: %w", toolID, err)
	}
	return core.Contract{
		ToolID:                toolID,
		Version:               e.Version,
		MaxCost:               core.Dollars(e.MaxCost),
		MaxTokens:             e.MaxTokens,
		CostPerToken:          rate,
		EstimatedOutputTokens: e.EstimatedOutputTokens,
	}, nil
}

// Load parses a YAML catalog.
func Load(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(f.Contracts) == 0 {
		return nil, errors.New("catalog defines no contracts")
	}
	contracts := make([]core.Contract, len(f.Contracts))
	var errs []error
	for i, e := range f.Contracts {
		c, err := e.contract()
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %d: %w", i, err))
			continue
		}
		contracts[i] = c
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return New(contracts...)
}

// LoadFile reads and parses the YAML catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	c, err := Load(strings.NewReader(string(defaultCatalog)))
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}
