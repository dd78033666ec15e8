// Package auditsim is a self-contained stand-in for the audit backend and its
// realtime record store. It serves the same HTTP surface and WebSocket change
// feed the orchestrator talks to in production, backed by SQLite, and executes
// triggered audits with a scripted worker. Useful for demos and for developing
// against a backend that is down.
package auditsim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

// Duration is a time.Duration that decodes from "2s" style YAML strings
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// CatalogEntry scripts one audit type the simulator can execute
type CatalogEntry struct {
	Type        string   `yaml:"type"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Available   bool     `yaml:"available"`
	Duration    Duration `yaml:"duration"`
	Score       *float64 `yaml:"score"`
	Issues      int      `yaml:"issues"`
	Fail        bool     `yaml:"fail"`
}

// Catalog holds all scripted audit types
type Catalog struct {
	Audits []CatalogEntry `yaml:"audits"`
}

// Get returns the entry for an audit type
func (c *Catalog) Get(auditType string) (CatalogEntry, bool) {
	for _, e := range c.Audits {
		if e.Type == auditType {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// DefaultCatalog returns the built-in audit set used when no catalog file is
// configured
func DefaultCatalog() *Catalog {
	score := func(v float64) *float64 { return &v }
	return &Catalog{Audits: []CatalogEntry{
		{
			Type: "tracking", Name: "Tracking Setup",
			Description: "Checks pixel and conversion tracking wiring",
			Available:   true, Duration: Duration(2 * time.Second), Score: score(100),
		},
		{
			Type: "ads", Name: "Ads Readiness",
			Description: "Checks product feed and ad account linkage",
			Available:   true, Duration: Duration(3 * time.Second), Issues: 2,
		},
		{
			Type: "seo", Name: "SEO Health",
			Description: "Checks titles, descriptions and sitemap coverage",
			Available:   true, Duration: Duration(2 * time.Second), Score: score(70), Issues: 3,
		},
		{
			Type: "performance", Name: "Store Performance",
			Description: "Checks page weight and render timing",
			Available:   false,
		},
	}}
}

// LoadCatalog reads a catalog from a YAML file, falling back to the built-in
// set when the path is empty or missing
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, err
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range cat.Audits {
		if cat.Audits[i].Type == "" {
			return nil, fmt.Errorf("catalog entry %d: type is required", i)
		}
		if cat.Audits[i].Duration <= 0 {
			cat.Audits[i].Duration = Duration(time.Second)
		}
	}
	return &cat, nil
}

// Definitions converts the catalog into the backend's audit listing shape
func (c *Catalog) Definitions() []domain.AuditDefinition {
	defs := make([]domain.AuditDefinition, 0, len(c.Audits))
	for _, e := range c.Audits {
		defs = append(defs, domain.AuditDefinition{
			Type:        e.Type,
			Name:        e.Name,
			Description: e.Description,
			Available:   e.Available,
		})
	}
	return defs
}
