package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solwatch/solwatch/internal/models"
)

// fleetFile is the on-disk shape of fleet.yaml.
type fleetFile struct {
	Sites []models.Site `yaml:"sites"`
}

// LoadFleet reads and validates the fleet roster. Any malformed entry fails
// the whole load: a half-configured fleet silently dropping sites is worse
// than a startup error the operator sees immediately.
func LoadFleet(path string) ([]models.Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet roster %s: %w", path, err)
	}

	var f fleetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing fleet roster %s: %w", path, err)
	}
	if len(f.Sites) == 0 {
		return nil, fmt.Errorf("fleet roster %s defines no sites", path)
	}

	seen := make(map[string]bool, len(f.Sites))
	for i := range f.Sites {
		s := &f.Sites[i]
		switch {
		case s.VendorCode == "":
			return nil, fmt.Errorf("fleet roster: site #%d has no vendor", i+1)
		case s.VendorSiteID == "":
			return nil, fmt.Errorf("fleet roster: site #%d (%s) has no site_id", i+1, s.Name)
		case s.CredentialsRef == "":
			return nil, fmt.Errorf("fleet roster: site #%d (%s) has no credentials reference", i+1, s.Name)
		}
		s.ID = models.SiteID(s.VendorCode, s.VendorSiteID)
		if s.Name == "" {
			s.Name = s.ID
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("fleet roster: duplicate site %s", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Sites, nil
}

// ValidateCredentials checks every roster credential reference against the
// configured credential sets. Called at startup after both files load.
func (c *Config) ValidateCredentials(fleet []models.Site) error {
	for _, s := range fleet {
		if _, err := c.Credential(s.CredentialsRef); err != nil {
			return fmt.Errorf("site %s: %w", s.ID, err)
		}
	}
	return nil
}
