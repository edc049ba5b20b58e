package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/dungeon/pkg/knowledge"
)

// Scene is the static content of one scene: a shared system message and the
// characters the user can talk to.
type Scene struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	SystemMessage string      `yaml:"system_message"`
	Characters    []Character `yaml:"characters"`
}

// Character is one persona in a scene. A character with a discover
// requirement starts hidden.
type Character struct {
	ID                  string               `yaml:"id"`
	Name                string               `yaml:"name"`
	Title               string               `yaml:"title"`
	Persona             string               `yaml:"character"`
	DiscoverRequirement string               `yaml:"discover_requirement,omitempty"`
	Knowledge           []knowledge.Fragment `yaml:"knowledge"`
}

// Hidden reports whether the character must be discovered before use.
func (c Character) Hidden() bool {
	return strings.TrimSpace(c.DiscoverRequirement) != ""
}

var invalidParamChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// DiscoveryParameter is the name of the character's flag in a discovery
// schema.
func (c Character) DiscoveryParameter() string {
	return "is_" + invalidParamChars.ReplaceAllString(c.Name, "_") + "_discovered"
}

// LoadFile reads and validates a scene file.
func LoadFile(path string) (Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, fmt.Errorf("read scene: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return Scene{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scene from YAML. Unknown fields are rejected.
func Parse(data []byte) (Scene, error) {
	var sc Scene
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Scene{}, fmt.Errorf("parse scene: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scene{}, err
	}
	return sc, nil
}

// Validate checks that character names, their discovery parameters, and the
// knowledge names of each character are unique.
func (s Scene) Validate() error {
	var errs []error
	if len(s.Characters) == 0 {
		errs = append(errs, errors.New("scene has no characters"))
	}
	names := make(map[string]struct{}, len(s.Characters))
	params := make(map[string]struct{}, len(s.Characters))
	for i, c := range s.Characters {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("characters[%d]: name is required", i))
			continue
		}
		if _, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("characters[%d]: duplicate name %q", i, name))
			continue
		}
		names[name] = struct{}{}
		if _, dup := params[c.DiscoveryParameter()]; dup {
			errs = append(errs, fmt.Errorf("characters[%d]: name %q collides with another character's discovery flag", i, name))
		}
		params[c.DiscoveryParameter()] = struct{}{}
		if err := knowledge.ValidateFragments(c.Knowledge); err != nil {
			errs = append(errs, fmt.Errorf("characters[%d] %s: %w", i, name, err))
		}
	}
	return errors.Join(errs...)
}
