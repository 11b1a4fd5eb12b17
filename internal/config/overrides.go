package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Override is the per-point section of the overrides file. Unset fields keep
// the value from the main configuration.
type Override struct {
	Interval *time.Duration `yaml:"interval"`
	Enabled  *bool          `yaml:"enabled"`
	Publish  *bool          `yaml:"publish"`
}

type overridesFile struct {
	Points map[string]Override `yaml:"points"`
}

// LoadOverrides reads the overrides file. A missing file yields no overrides.
func LoadOverrides(path string) (map[string]Override, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f overridesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for key, o := range f.Points {
		if o.Interval != nil && *o.Interval <= 0 {
			return nil, fmt.Errorf("%s: point %s: interval must be positive", path, key)
		}
	}
	return f.Points, nil
}
