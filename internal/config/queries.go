// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// QuerySeeds maps an industry to per-language default search queries, used
// when a start request omits explicit queries.
type QuerySeeds struct {
	Industries map[string]map[string][]string `yaml:"industries"`
}

// LoadQuerySeeds loads the query seed file. A missing path returns an empty
// seed set rather than an error so that deployments without the file work.
func LoadQuerySeeds(path string) (*QuerySeeds, error) {
	seeds := &QuerySeeds{Industries: map[string]map[string][]string{}}
	if path == "" {
		return seeds, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return seeds, nil
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadQuerySeeds: %w", err)
	}
	if err := yaml.Unmarshal(content, seeds); err != nil {
		return nil, fmt.Errorf("op=config.LoadQuerySeeds: %w", err)
	}
	if seeds.Industries == nil {
		seeds.Industries = map[string]map[string][]string{}
	}
	return seeds, nil
}

// For returns the seeded queries for an industry, falling back to the
// industry string itself as a single English query.
func (q *QuerySeeds) For(industry string) map[string][]string {
	key := strings.ToLower(strings.TrimSpace(industry))
	if langs, ok := q.Industries[key]; ok && len(langs) > 0 {
		return langs
	}
	return map[string][]string{"en": {industry}}
}
