package coordinator

import (
	"errors"
	"fmt"
	"io/fs"

	"live-relay/internal/platform/config"
)

// SourceKind is the variant of a content source.
type SourceKind string

const (
	SourceCamera   SourceKind = "camera"
	SourceFile     SourceKind = "file"
	SourceFallback SourceKind = "fallback"
)

const (
	defaultFallbackPattern = "testsrc2=size=1280x720:rate=25"
	defaultFallbackTone    = "sine=frequency=440:sample_rate=48000"
)

// Source describes where a byte stream comes from. Only the fields of its
// Kind are used.
type Source struct {
	Name string     `json:"name,omitempty" yaml:"name"`
	Kind SourceKind `json:"kind" yaml:"kind"`

	// camera
	Device      string `json:"device,omitempty" yaml:"device"`
	InputFormat string `json:"inputFormat,omitempty" yaml:"input_format"`
	AudioDevice string `json:"audioDevice,omitempty" yaml:"audio_device"`
	AudioFormat string `json:"audioFormat,omitempty" yaml:"audio_format"`

	// file
	Path string `json:"path,omitempty" yaml:"path"`
	Loop bool   `json:"loop,omitempty" yaml:"loop"`

	// fallback
	Pattern string `json:"pattern,omitempty" yaml:"pattern"`
	Caption string `json:"caption,omitempty" yaml:"caption"`
}

var errInvalidSource = errors.New("invalid source")

// Validate checks that the fields required by the source kind are present.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceCamera:
		if s.Device == "" {
			return fmt.Errorf("%w: camera source needs a device", errInvalidSource)
		}
	case SourceFile:
		if s.Path == "" {
			return fmt.Errorf("%w: file source needs a path", errInvalidSource)
		}
	case SourceFallback:
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidSource, s.Kind)
	}
	return nil
}

// Label is a short human readable description used in logs.
func (s Source) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case SourceCamera:
		return "camera:" + s.Device
	case SourceFile:
		return "file:" + s.Path
	}
	return string(s.Kind)
}

// Catalog is the named set of sources an operator can pick from.
type Catalog struct {
	Sources []Source `yaml:"sources" json:"sources"`
}

// LoadCatalog reads a YAML catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if path == "" {
		return &c, nil
	}
	if err := config.LoadYAML(path, &c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &c, nil
		}
		return nil, err
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("%s: source %d has no name", path, i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%s: duplicate source %q", path, s.Name)
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: source %q: %w", path, s.Name, err)
		}
	}
	return &c, nil
}

// Lookup finds a source by name.
func (c *Catalog) Lookup(name string) (Source, bool) {
	if c == nil {
		return Source{}, false
	}
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}
