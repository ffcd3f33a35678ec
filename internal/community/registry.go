package community

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Registry holds the loaded communities, keyed by id.
type Registry struct {
	byID map[string]Community
	ids  []string
}

// NewRegistry normalises and validates each community. Duplicate ids are an error.
func NewRegistry(communities ...Community) (*Registry, error) {
	r := &Registry{byID: make(map[string]Community, len(communities))}
	for _, c := range communities {
		c.normalize()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate community id %q", c.ID)
		}
		r.byID[c.ID] = c
		r.ids = append(r.ids, c.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

// Load reads every *.yaml and *.yml file in dir as one community. A missing
// directory yields an empty registry. When a file omits id, its base name is used.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return NewRegistry()
	}
	if err != nil {
		return nil, fmt.Errorf("reading communities dir: %w", err)
	}

	var communities []Community
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		c, err := loadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if c.ID == "" {
			c.ID = strings.TrimSuffix(e.Name(), ext)
		}
		communities = append(communities, c)
	}
	return NewRegistry(communities...)
}

func loadFile(path string) (Community, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Community{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var c Community
	if err := v.Unmarshal(&c); err != nil {
		return Community{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return c, nil
}

// Get returns the community with id.
func (r *Registry) Get(id string) (Community, error) {
	c, ok := r.byID[id]
	if !ok {
		return Community{}, fmt.Errorf("%w: %q", ErrUnknownCommunity, id)
	}
	return c, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string { return slices.Clone(r.ids) }

// All returns every community in id order.
func (r *Registry) All() []Community {
	out := make([]Community, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// Len reports the number of registered communities.
func (r *Registry) Len() int { return len(r.ids) }
