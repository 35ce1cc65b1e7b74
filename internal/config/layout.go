package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tensora-ai/densityview/internal/density"
)

// Position is one camera position with an optional crop rectangle.
type Position struct {
	ID   string                 `yaml:"id" json:"id"`
	Crop *density.CropRectangle `yaml:"crop,omitempty" json:"crop,omitempty"`
}

// Camera is one physical camera in an area.
type Camera struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Positions []Position `yaml:"positions" json:"positions"`
}

// Area is a monitored physical area made up of several cameras.
type Area struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Project string   `yaml:"project,omitempty" json:"project,omitempty"`
	Cameras []Camera `yaml:"cameras" json:"cameras"`
}

// Layout is the top-level structure of the area layout file.
type Layout struct {
	Project string `yaml:"project"`
	Areas   []Area `yaml:"areas"`
}

// LoadLayout reads and parses an area layout YAML file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout parses and validates layout YAML. Areas without an explicit
// project inherit the layout's project.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	for i := range l.Areas {
		if l.Areas[i].Project == "" {
			l.Areas[i].Project = l.Project
		}
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	return &l, nil
}

// Validate checks identifiers are present and unique and crops are well formed.
func (l *Layout) Validate() error {
	if len(l.Areas) == 0 {
		return fmt.Errorf("no areas defined")
	}
	areaIDs := make(map[string]bool)
	for _, a := range l.Areas {
		if a.ID == "" {
			return fmt.Errorf("area with empty id")
		}
		if areaIDs[a.ID] {
			return fmt.Errorf("duplicate area id %q", a.ID)
		}
		areaIDs[a.ID] = true

		streams := make(map[density.StreamKey]bool)
		for _, c := range a.Cameras {
			if c.ID == "" {
				return fmt.Errorf("area %q: camera with empty id", a.ID)
			}
			if len(c.Positions) == 0 {
				return fmt.Errorf("area %q camera %q: no positions", a.ID, c.ID)
			}
			for _, p := range c.Positions {
				key := density.StreamKey{CameraID: c.ID, PositionID: p.ID}
				if p.ID == "" {
					return fmt.Errorf("area %q camera %q: position with empty id", a.ID, c.ID)
				}
				if streams[key] {
					return fmt.Errorf("area %q: duplicate stream %s", a.ID, key)
				}
				streams[key] = true
				if p.Crop != nil {
					if err := p.Crop.Validate(); err != nil {
						return fmt.Errorf("area %q stream %s: %w", a.ID, key, err)
					}
				}
			}
		}
	}
	return nil
}

// Area returns the area with the given ID.
func (l *Layout) Area(id string) (Area, bool) {
	for _, a := range l.Areas {
		if a.ID == id {
			return a, true
		}
	}
	return Area{}, false
}

// Streams lists every camera/position stream of the area in layout order.
func (a Area) Streams() []density.StreamKey {
	var out []density.StreamKey
	for _, c := range a.Cameras {
		for _, p := range c.Positions {
			out = append(out, density.StreamKey{CameraID: c.ID, PositionID: p.ID})
		}
	}
	return out
}

// CropFor returns the crop configured for a stream, or nil.
func (a Area) CropFor(s density.StreamKey) *density.CropRectangle {
	for _, c := range a.Cameras {
		if c.ID != s.CameraID {
			continue
		}
		for _, p := range c.Positions {
			if p.ID == s.PositionID {
				return p.Crop
			}
		}
	}
	return nil
}

// DisplayName returns the camera name for a stream, falling back to the
// stream key when the camera has no name.
func (a Area) DisplayName(s density.StreamKey) string {
	for _, c := range a.Cameras {
		if c.ID == s.CameraID && c.Name != "" {
			return c.Name + " (" + s.PositionID + ")"
		}
	}
	return s.String()
}
