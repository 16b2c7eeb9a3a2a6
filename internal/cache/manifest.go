package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Manifest describes one deployable version of the front-end's cacheable resources.
type Manifest struct {
	Version        string   `json:"version"`
	RuntimeVersion string   `json:"runtimeVersion,omitempty"`
	Prefix         string   `json:"prefix,omitempty"`
	Precache       []string `json:"precache"`
	AutoCache      []string `json:"autoCache,omitempty"`
	RootDocument   string   `json:"rootDocument,omitempty"`

	patterns []*regexp.Regexp
}

// DefaultManifest is the asset set shipped with the quotation front-end.
func DefaultManifest() *Manifest {
	m := &Manifest{
		Version: "v5",
		Prefix:  "quoterelay",
		Precache: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/favicon.ico",
			"/assets/index.css",
			"/assets/index.js",
			"/cb190r.png",
			"/cbr.png",
			"/fireblade.png",
			"/invicta.png",
			"/twister.png",
		},
		AutoCache: []string{
			`/assets/.*\.(js|css)$`,
			`\.(png|jpg|jpeg|gif|webp|svg|ico)$`,
			`/manifest\.json$`,
		},
		RootDocument: "/index.html",
	}
	// The default patterns are constants and always compile.
	_ = m.compile()
	return m
}

// LoadManifest reads a manifest from a JSON file, filling unset fields from the defaults.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	def := DefaultManifest()
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest version is required")
	}
	if m.Prefix == "" {
		m.Prefix = def.Prefix
	}
	if m.Precache == nil {
		m.Precache = def.Precache
	}
	if m.AutoCache == nil {
		m.AutoCache = def.AutoCache
	}
	if m.RootDocument == "" {
		m.RootDocument = def.RootDocument
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) compile() error {
	m.patterns = m.patterns[:0]
	for _, p := range m.AutoCache {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid auto-cache pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return nil
}

// PrecacheName is the partition holding install-time resources.
func (m *Manifest) PrecacheName() string {
	return m.Prefix + "-precache-" + m.Version
}

// RuntimeName is the partition holding opportunistically cached resources.
func (m *Manifest) RuntimeName() string {
	v := m.RuntimeVersion
	if v == "" {
		v = m.Version
	}
	return m.Prefix + "-runtime-" + v
}

// ShouldAutoCache reports whether a successful response for path belongs in the runtime cache.
func (m *Manifest) ShouldAutoCache(path string) bool {
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
