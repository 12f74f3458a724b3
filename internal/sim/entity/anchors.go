package entity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type anchorsFile struct {
	Anchors []AnchorSpec `yaml:"anchors"`
}

// LoadAnchors reads an anchors.yaml listing spawn structures.
func LoadAnchors(path string) ([]AnchorSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f anchorsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("anchors.yaml: %w", err)
	}
	seen := make(map[string]bool, len(f.Anchors))
	for i, a := range f.Anchors {
		switch {
		case a.ID == "":
			return nil, fmt.Errorf("anchors.yaml: anchors[%d]: missing id", i)
		case a.Type == "":
			return nil, fmt.Errorf("anchors.yaml: anchor %s: missing type", a.ID)
		case seen[a.ID]:
			return nil, fmt.Errorf("anchors.yaml: duplicate anchor id %s", a.ID)
		}
		seen[a.ID] = true
	}
	return f.Anchors, nil
}
