package sampo

import "fmt"

type (
	// SliceMode selects how a cross-source route picks the target slice.
	SliceMode int

	// Route fans a trigger on Source out to a probabilistic trigger on
	// Target. Multiple routes from the same source can fire independently.
	Route struct {
		Source        string    `yaml:"source"`
		Target        string    `yaml:"target"`
		Enabled       bool      `yaml:"enabled"`
		Probability   float64   `yaml:"probability"`
		VelocityScale float64   `yaml:"velocityScale"`
		Mode          SliceMode `yaml:"sliceMode"`
		PitchOffset   float64   `yaml:"pitchOffset,omitempty"` // semitones
		TimeOffset    float64   `yaml:"timeOffset,omitempty"`  // beats
	}
)

const (
	// SliceSame mirrors the source slice index.
	SliceSame SliceMode = iota
	// SliceRandom picks uniformly within the target's slice count.
	SliceRandom
	// SliceSequential rotates through the target's slices, one per firing.
	SliceSequential
	// SliceEnergy matches by slice energy; currently mirrors SliceSame.
	SliceEnergy
)

var sliceModeNames = map[SliceMode]string{
	SliceSame:       "same",
	SliceRandom:     "random",
	SliceSequential: "sequential",
	SliceEnergy:     "energy-match",
}

func (m SliceMode) String() string { return sliceModeNames[m] }

func (m SliceMode) MarshalYAML() (interface{}, error) { return m.String(), nil }

func (m *SliceMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	for k, v := range sliceModeNames {
		if v == name {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown slice mode %q", name)
}
