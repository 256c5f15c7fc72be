package config

import (
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

var ErrNoServers = errors.New("server catalog is empty")

// ServerDef describes one language server to spawn.
type ServerDef struct {
	Name      string         `yaml:"name"`
	Command   string         `yaml:"command"`
	Args      []string       `yaml:"args"`
	Env       []string       `yaml:"env"`
	Languages []string       `yaml:"languages"`
	InitOpts  map[string]any `yaml:"init_options"`
}

// Catalog is the set of configured language servers.
type Catalog struct {
	Servers []ServerDef `yaml:"servers"`
}

// LoadCatalog reads a YAML server catalog. A missing file yields an
// empty catalog: the proxy still serves documents, just without
// language servers.
func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return cat, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return cat, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return cat, cat.validate()
}

func (c Catalog) validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server %d: name is required", i)
		}
		if s.Command == "" {
			return fmt.Errorf("server %s: command is required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("server %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// ForLanguage returns the servers handling a language. A server with
// no languages listed handles everything.
func (c Catalog) ForLanguage(languageID string) []ServerDef {
	var out []ServerDef
	for _, s := range c.Servers {
		if len(s.Languages) == 0 {
			out = append(out, s)
			continue
		}
		for _, lang := range s.Languages {
			if lang == languageID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
