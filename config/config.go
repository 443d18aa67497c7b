// Package config loads the YAML topology and tuning parameters shared by
// the teb and drp binaries (cmd/teb, cmd/drp), the way the rest of the
// pipeline's ambient stack favors declarative config over flags for
// anything with nested structure.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slaclab/ebcore/contract"
)

// Duration wraps time.Duration so it can be written as "500ms" in YAML
// instead of a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ContractGroup is one readout-group entry of the contract table.
type ContractGroup struct {
	Group        int     `yaml:"group"`
	Contributors []uint8 `yaml:"contributors"`
}

// Engine configures an eventbuilder.Engine, one per builder process.
type Engine struct {
	Epochs       uint32   `yaml:"epochs"`
	Entries      uint32   `yaml:"entries"`
	EventTimeout Duration `yaml:"eventTimeout"`
}

// Batch configures a batch.Manager, one per contributor process.
type Batch struct {
	Log2Entries uint   `yaml:"log2Entries"`
	BatchCount  uint32 `yaml:"batchCount"`
	MaxInput    int    `yaml:"maxInput"`
	MaxBatches  int    `yaml:"maxBatches"`
	PendingCap  int    `yaml:"pendingCap"`
}

// Builder names one TEB in the topology: its listen address and id.
type Builder struct {
	ID   uint8  `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Contributor names one DRP in the topology.
type Contributor struct {
	ID         uint8  `yaml:"id"`
	Contractor uint16 `yaml:"contractor"`
}

// Config is the root document loaded by both binaries; each reads the
// sections relevant to its role and ignores the rest.
type Config struct {
	Engine Engine `yaml:"engine"`
	Batch  Batch  `yaml:"batch"`

	Contract []ContractGroup `yaml:"contract"`

	Builders     []Builder     `yaml:"builders"`
	Contributors []Contributor `yaml:"contributors"`

	BatchingEnabled   bool     `yaml:"batchingEnabled"`
	TransitionTimeout Duration `yaml:"transitionTimeout"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks that engine.entries, when set, is a power of two (as
// eventbuilder.NewEngine also requires), that every contract group is in
// range and configured once, and that at least one builder is listed.
func (c *Config) Validate() error {
	if c.Engine.Entries != 0 && c.Engine.Entries&(c.Engine.Entries-1) != 0 {
		return fmt.Errorf("engine.entries %d must be a power of two", c.Engine.Entries)
	}
	if len(c.Contract) > contract.NumGroups {
		return fmt.Errorf("contract: %d groups configured, max %d", len(c.Contract), contract.NumGroups)
	}
	seen := make(map[int]bool, len(c.Contract))
	for _, g := range c.Contract {
		if g.Group < 0 || g.Group >= contract.NumGroups {
			return fmt.Errorf("contract: group %d out of range [0,%d)", g.Group, contract.NumGroups)
		}
		if seen[g.Group] {
			return fmt.Errorf("contract: group %d configured twice", g.Group)
		}
		seen[g.Group] = true
	}
	if len(c.Builders) == 0 {
		return fmt.Errorf("at least one builder is required")
	}
	return nil
}

// ContractTable builds a contract.Table from the configured groups.
func (c *Config) ContractTable() *contract.Table {
	t := contract.NewTable(nil)
	for _, g := range c.Contract {
		var set contract.Set
		for _, src := range g.Contributors {
			set = set.With(src)
		}
		t.Set(g.Group, set)
	}
	return t
}
