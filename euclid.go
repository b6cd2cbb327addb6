package sampo

type (
	// EuclideanPattern is a pulse pattern where Pulses onsets are distributed
	// as evenly as possible over Steps steps. It is derived entirely from
	// (Steps, Pulses, Rotation); there is no mutable state.
	EuclideanPattern struct {
		Steps    int    `yaml:"steps"`
		Pulses   int    `yaml:"pulses"`
		Rotation int    `yaml:"rotation,omitempty"`
		Pattern  []bool `yaml:"-"`
		// Intervals are the onset-to-onset distances in steps, wrapping
		// around the end of the pattern. Empty when there are no onsets.
		Intervals []int `yaml:"-"`
	}
)

// Euclidean generates a pulse pattern with Bjorklund's algorithm. pulses is
// clamped to [0, steps] and rotation is taken mod steps, so any inputs are
// safe. Identical inputs always produce identical output.
func Euclidean(steps, pulses, rotation int) EuclideanPattern {
	if steps <= 0 {
		return EuclideanPattern{Steps: 0, Pulses: 0, Rotation: 0, Pattern: []bool{}, Intervals: []int{}}
	}
	if pulses < 0 {
		pulses = 0
	}
	if pulses > steps {
		pulses = steps
	}
	pattern := bjorklund(steps, pulses)
	rotation = ((rotation % steps) + steps) % steps
	if rotation > 0 {
		rotated := make([]bool, steps)
		for i := range pattern {
			rotated[i] = pattern[(i+rotation)%steps]
		}
		pattern = rotated
	}
	return EuclideanPattern{
		Steps:     steps,
		Pulses:    pulses,
		Rotation:  rotation,
		Pattern:   pattern,
		Intervals: onsetIntervals(pattern),
	}
}

// bjorklund runs the bisection: start with pulses singleton "pulse" groups
// and steps-pulses singleton "rest" groups, then repeatedly pair off the
// smaller count of groups from each end, continuing while more than one
// remainder group exists. Flattening the final groups in order gives the
// maximally even pattern.
func bjorklund(steps, pulses int) []bool {
	if pulses == 0 {
		return make([]bool, steps)
	}
	if pulses == steps {
		pattern := make([]bool, steps)
		for i := range pattern {
			pattern[i] = true
		}
		return pattern
	}
	a := make([][]bool, pulses)
	for i := range a {
		a[i] = []bool{true}
	}
	b := make([][]bool, steps-pulses)
	for i := range b {
		b[i] = []bool{false}
	}
	for len(b) > 1 {
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		merged := make([][]bool, n)
		for i := 0; i < n; i++ {
			merged[i] = append(append([]bool{}, a[i]...), b[i]...)
		}
		// at most one of these remainders is non-empty
		remainder := append(a[n:], b[n:]...)
		a, b = merged, remainder
	}
	pattern := make([]bool, 0, steps)
	for _, g := range a {
		pattern = append(pattern, g...)
	}
	for _, g := range b {
		pattern = append(pattern, g...)
	}
	return pattern
}

func onsetIntervals(pattern []bool) []int {
	first := -1
	for i, p := range pattern {
		if p {
			first = i
			break
		}
	}
	if first < 0 {
		return []int{}
	}
	intervals := make([]int, 0, len(pattern))
	prev := first
	for i := first + 1; i < len(pattern); i++ {
		if pattern[i] {
			intervals = append(intervals, i-prev)
			prev = i
		}
	}
	// wrap around from the last onset back to the first
	intervals = append(intervals, len(pattern)-prev+first)
	return intervals
}

// Onsets returns the step indices of the pattern's pulses.
func (p EuclideanPattern) Onsets() []int {
	onsets := make([]int, 0, p.Pulses)
	for i, on := range p.Pattern {
		if on {
			onsets = append(onsets, i)
		}
	}
	return onsets
}

// Triggers expands the pattern into one bar of triggers for the given source,
// with the whole pattern spanning beats beats starting at startBeat.
func (p EuclideanPattern) Triggers(source string, startBeat, beats, velocity float64) []Trigger {
	if p.Steps == 0 {
		return nil
	}
	stepLen := beats / float64(p.Steps)
	triggers := make([]Trigger, 0, p.Pulses)
	for i, onset := range p.Onsets() {
		triggers = append(triggers, Trigger{
			Beat:   startBeat + float64(onset)*stepLen,
			Source: source,
			Slice:  i,
			Opts:   TriggerOpts{Velocity: velocity},
		})
	}
	return triggers
}
