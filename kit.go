package sampo

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Kit is the serializable description of a session: which recordings are
	// sliced and how, plus the rules, routes and generated patterns that act
	// on them. It is pure data; the engine packages turn it into live state.
	Kit struct {
		BPM          float64      `yaml:"bpm"`
		TicksPerBeat int          `yaml:"ticksPerBeat,omitempty"`
		Swing        float64      `yaml:"swing,omitempty"`
		Sources      []KitSource  `yaml:"sources"`
		Rules        []Rule       `yaml:"rules,omitempty"`
		Routes       []Route      `yaml:"routes,omitempty"`
		Patterns     []KitPattern `yaml:"patterns,omitempty"`
	}

	// KitSource is one sliced recording. File is resolved by the host; the
	// engine never reads files itself.
	KitSource struct {
		Name      string       `yaml:"name"`
		File      string       `yaml:"file"`
		Protected bool         `yaml:"protected,omitempty"`
		FXPreset  string       `yaml:"fx,omitempty"`
		Slices    []SliceRange `yaml:"slices,flow"`
	}

	// KitPattern schedules a Euclidean pattern onto a source, repeated over
	// the loop.
	KitPattern struct {
		Source   string  `yaml:"source"`
		Steps    int     `yaml:"steps"`
		Pulses   int     `yaml:"pulses"`
		Rotation int     `yaml:"rotation,omitempty"`
		Beats    float64 `yaml:"beats"`
		Velocity float64 `yaml:"velocity,omitempty"`
	}
)

// ParseKit reads a kit from YAML and validates it.
func ParseKit(data []byte) (Kit, error) {
	var kit Kit
	if err := yaml.Unmarshal(data, &kit); err != nil {
		return Kit{}, fmt.Errorf("unmarshaling kit failed: %w", err)
	}
	if err := kit.Validate(); err != nil {
		return Kit{}, err
	}
	return kit, nil
}

// Marshal serializes the kit back to YAML.
func (k *Kit) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("marshaling kit failed: %w", err)
	}
	return data, nil
}

// Validate checks internal consistency: positive BPM, sane slice ranges, and
// that rules, routes and patterns refer to sources that exist.
func (k *Kit) Validate() error {
	if k.BPM <= 0 {
		return errors.New("kit BPM should be > 0")
	}
	if len(k.Sources) == 0 {
		return errors.New("kit contains no sources")
	}
	names := make(map[string]bool, len(k.Sources))
	for _, src := range k.Sources {
		if src.Name == "" {
			return errors.New("kit source without a name")
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		names[src.Name] = true
		for i, r := range src.Slices {
			if r.End <= r.Start || r.Start < 0 {
				return fmt.Errorf("source %q slice %d has invalid range [%v, %v)", src.Name, i, r.Start, r.End)
			}
		}
	}
	for _, rt := range k.Routes {
		if !names[rt.Source] {
			return fmt.Errorf("route refers to unknown source %q", rt.Source)
		}
		if !names[rt.Target] {
			return fmt.Errorf("route refers to unknown target %q", rt.Target)
		}
	}
	for _, p := range k.Patterns {
		if !names[p.Source] {
			return fmt.Errorf("pattern refers to unknown source %q", p.Source)
		}
		if p.Steps <= 0 || p.Beats <= 0 {
			return fmt.Errorf("pattern on %q needs steps > 0 and beats > 0", p.Source)
		}
	}
	return nil
}

// Triggers expands all kit patterns into one loop's worth of beat-stamped
// triggers.
func (k *Kit) Triggers() []Trigger {
	var triggers []Trigger
	for _, p := range k.Patterns {
		vel := p.Velocity
		if vel <= 0 {
			vel = 1
		}
		pattern := Euclidean(p.Steps, p.Pulses, p.Rotation)
		triggers = append(triggers, pattern.Triggers(p.Source, 0, p.Beats, vel)...)
	}
	return triggers
}

// LoopBeats returns the length of the kit's pattern loop in beats, i.e. the
// longest pattern span; 0 when the kit has no patterns.
func (k *Kit) LoopBeats() float64 {
	var beats float64
	for _, p := range k.Patterns {
		if p.Beats > beats {
			beats = p.Beats
		}
	}
	return beats
}
