// Package registry holds the static category taxonomy: the categories the
// dashboard tracks, their sub-groups and the anchor partitions rows are
// grouped under. The taxonomy fingerprints deterministically so the pipeline
// can flag configuration drift between runs.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"marketscope/internal/canon"
)

// Anchor names one partition/topic key within a category.
type Anchor struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// SubGroup is a named grouping of anchors inside a category.
type SubGroup struct {
	Name    string   `yaml:"name" json:"name"`
	Anchors []string `yaml:"anchors" json:"anchors"`
}

// Category is one tracked market category.
type Category struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"category"`
	SubGroups []SubGroup `yaml:"sub_groups" json:"subCategories"`
	Anchors   []string   `yaml:"anchors" json:"anchors"`
}

// Registry is the loaded taxonomy.
type Registry struct {
	Categories []Category `yaml:"categories"`
}

// Load reads a taxonomy YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return &reg, nil
}

// Find returns the category with the given id.
func (r *Registry) Find(categoryID string) (*Category, bool) {
	for i := range r.Categories {
		if r.Categories[i].ID == categoryID {
			return &r.Categories[i], true
		}
	}
	return nil, false
}

// IDs returns all category ids in declaration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.Categories))
	for i, c := range r.Categories {
		ids[i] = c.ID
	}
	return ids
}

// Fingerprint computes the SHA-256 hash of the canonical registry structure:
// categories sorted by id, sub-groups by name, anchor lists alphabetically.
// Any change to category or anchor structure changes this hash, which the
// pipeline compares against the previous run's recorded value to flag
// non-reproducible runs.
func (r *Registry) Fingerprint() (string, error) {
	canonical := make([]Category, len(r.Categories))
	for i, c := range r.Categories {
		cc := Category{ID: c.ID, Name: c.Name}

		cc.Anchors = append([]string(nil), c.Anchors...)
		sort.Strings(cc.Anchors)

		cc.SubGroups = make([]SubGroup, len(c.SubGroups))
		for j, sg := range c.SubGroups {
			anchors := append([]string(nil), sg.Anchors...)
			sort.Strings(anchors)
			cc.SubGroups[j] = SubGroup{Name: sg.Name, Anchors: anchors}
		}
		sort.Slice(cc.SubGroups, func(a, b int) bool {
			return cc.SubGroups[a].Name < cc.SubGroups[b].Name
		})

		canonical[i] = cc
	}
	sort.Slice(canonical, func(a, b int) bool {
		return canonical[a].ID < canonical[b].ID
	})

	return canon.SHA256JSON(canonical)
}
