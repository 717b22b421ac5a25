// Package conf reads and writes layered TOML configuration. Three
// levels stack: system, then the user's global file, then the
// repository file, with later levels overriding earlier ones key by
// key. Keys follow the section[.subsection].name convention, so
// "remote.origin.url" lives in the [remote.origin] table.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Level selects one configuration file.
type Level int

const (
	// Merged is the pseudo-level combining all three files.
	Merged Level = iota - 1
	System
	Global
	Repository
)

func (l Level) String() string {
	switch l {
	case Merged:
		return "merged"
	case System:
		return "system"
	case Global:
		return "global"
	case Repository:
		return "repository"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

const systemPath = "/etc/silt/config.toml"

// Well-known keys.
const KeyCoreBare = "core.bare"

// RemoteURLKey returns the key holding a named remote's URL.
func RemoteURLKey(name string) string {
	return "remote." + name + ".url"
}

// Config binds the three file locations for one repository. A Config
// with an empty repository path (outside any repository) still serves
// the system and global levels.
type Config struct {
	paths map[Level]string
}

// New builds a Config whose repository level lives at repoConfigPath.
// System and global locations follow the platform convention.
func New(repoConfigPath string) *Config {
	return &Config{paths: map[Level]string{
		System:     systemPath,
		Global:     globalPath(),
		Repository: repoConfigPath,
	}}
}

func globalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "silt", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "silt", "config.toml")
}

// Path returns the file backing one level.
func (c *Config) Path(level Level) (string, error) {
	p, ok := c.paths[level]
	if !ok || p == "" {
		return "", fmt.Errorf("config level %s has no backing file", level)
	}
	return p, nil
}

// Reader loads one level, or the Merged pseudo-level combining all
// three. Missing files read as empty.
func (c *Config) Reader(level Level) (*View, error) {
	if level == Merged {
		merged := map[string]any{}
		for _, l := range []Level{System, Global, Repository} {
			tree, err := c.load(l)
			if err != nil {
				return nil, err
			}
			mergeTree(merged, tree)
		}
		return &View{tree: merged}, nil
	}
	tree, err := c.load(level)
	if err != nil {
		return nil, err
	}
	return &View{tree: tree}, nil
}

func (c *Config) load(level Level) (map[string]any, error) {
	path, ok := c.paths[level]
	if !ok {
		return nil, fmt.Errorf("unknown config level %s", level)
	}
	return loadFile(path)
}

func loadFile(path string) (map[string]any, error) {
	tree := map[string]any{}
	if path == "" {
		return tree, nil
	}
	if _, err := toml.DecodeFile(path, &tree); err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return tree, nil
}

// mergeTree overlays src onto dst. Tables merge recursively, scalars
// replace.
func mergeTree(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				mergeTree(cur, sub)
				continue
			}
			fresh := map[string]any{}
			mergeTree(fresh, sub)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}

// View is a read-only snapshot of one level or of the merged stack.
type View struct {
	tree map[string]any
}

// Get returns the value at a dotted key rendered as a string. Tables
// and absent keys report false.
func (v *View) Get(key string) (string, bool) {
	val, ok := lookup(v.tree, key)
	if !ok {
		return "", false
	}
	if _, isTable := val.(map[string]any); isTable {
		return "", false
	}
	return fmt.Sprint(val), true
}

// Bool returns a boolean-valued key. Absent or non-boolean keys report
// false.
func (v *View) Bool(key string) (bool, bool) {
	val, ok := lookup(v.tree, key)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Remotes maps remote names to their URLs.
func (v *View) Remotes() map[string]string {
	out := make(map[string]string)
	remotes, ok := v.tree["remote"].(map[string]any)
	if !ok {
		return out
	}
	for name, raw := range remotes {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if url, ok := sub["url"].(string); ok && strings.TrimSpace(url) != "" {
			out[name] = url
		}
	}
	return out
}

// RemoteURL returns the configured URL for a named remote.
func (v *View) RemoteURL(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("remote name is required")
	}
	url, ok := v.Remotes()[name]
	if !ok {
		return "", fmt.Errorf("remote %q is not configured", name)
	}
	return url, nil
}

// splitKey breaks a dotted key into its table path: first segment,
// optional middle joined back together, final name. Remote names may
// contain dots, which is why the middle collapses into one subsection.
func splitKey(key string) ([]string, error) {
	segs := strings.Split(key, ".")
	if len(segs) < 2 {
		return nil, fmt.Errorf("config key %q needs at least section.name", key)
	}
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("config key %q has an empty segment", key)
		}
	}
	if len(segs) == 2 {
		return segs, nil
	}
	return []string{segs[0], strings.Join(segs[1:len(segs)-1], "."), segs[len(segs)-1]}, nil
}

func lookup(tree map[string]any, key string) (any, bool) {
	path, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	cur := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	val, ok := cur[path[len(path)-1]]
	return val, ok
}
