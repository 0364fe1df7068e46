package config

import (
	"fmt"
	"os"

	"github.com/soulsense/sentinel/internal/quota"
	"gopkg.in/yaml.v3"
)

type tiersFile struct {
	Tiers map[string]quota.Tier `yaml:"tiers"`
}

// LoadTiers reads a YAML tier catalog and merges it over the built-in tiers.
// An empty path returns the built-in catalog.
//
//	tiers:
//	  pro:
//	    max_tokens: 300
//	    refill_rate: 3
//	    daily_request_limit: 30000
//	    ml_units_daily_limit: 800
func LoadTiers(path string) (quota.Catalog, error) {
	catalog := quota.DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTiers: %w", err)
	}
	return parseTiers(data, catalog)
}

func parseTiers(data []byte, catalog quota.Catalog) (quota.Catalog, error) {
	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("LoadTiers: %w", err)
	}
	for name, t := range f.Tiers {
		if t.MaxTokens <= 0 || t.RefillRate < 0 || t.DailyRequestLimit <= 0 || t.MLUnitsDailyLimit < 0 {
			return nil, fmt.Errorf("LoadTiers: tier %q has invalid limits", name)
		}
		catalog[name] = t
	}
	return catalog, nil
}
