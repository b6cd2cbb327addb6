package sampo

import "fmt"

type (
	// RuleCondition selects when a rule may fire, evaluated against the play
	// history of the trigger's source. The vocabulary is a small fixed set;
	// conditions carry at most one integer parameter (N).
	RuleCondition int

	// RuleAction is the mutation applied to a trigger when its rule fires.
	// Actions compose: several rules firing on the same trigger all apply.
	RuleAction int

	// Rule conditionally mutates a trigger before it reaches the voices.
	// Rules are immutable once added; only Enabled is meant to be toggled.
	Rule struct {
		ID        string        `yaml:"id"`
		Condition RuleCondition `yaml:"condition"`
		Action    RuleAction    `yaml:"action"`
		// N parameterizes ConditionSliceRepeated (run length, default 3) and
		// ConditionEveryNthPlay (period, default 4).
		N           int     `yaml:"n,omitempty"`
		Probability float64 `yaml:"probability"`
		Enabled     bool    `yaml:"enabled"`
	}
)

const (
	// ConditionSliceRepeated: the same slice index has played N times in a row.
	ConditionSliceRepeated RuleCondition = iota
	// ConditionEveryNthPlay: the total play count is a multiple of N.
	ConditionEveryNthPlay
	// ConditionFirstSlice: the trigger selects slice 0.
	ConditionFirstSlice
	// ConditionHighVelocity: the trigger velocity exceeds 0.8.
	ConditionHighVelocity
	// ConditionLongSilence: at least 4 beats since the source last played.
	ConditionLongSilence
)

const (
	// ActionSkip flags the trigger so downstream playback is suppressed. It
	// does not short-circuit later rules.
	ActionSkip RuleAction = iota
	ActionRandomSlice
	ActionVelocityHalf
	ActionVelocityDouble
	ActionPitchUp7
	ActionPitchDown12
	ActionReverse
	ActionRetrigger
)

var conditionNames = map[RuleCondition]string{
	ConditionSliceRepeated: "slice-repeated",
	ConditionEveryNthPlay:  "every-nth-play",
	ConditionFirstSlice:    "first-slice",
	ConditionHighVelocity:  "high-velocity",
	ConditionLongSilence:   "long-silence",
}

var actionNames = map[RuleAction]string{
	ActionSkip:           "skip",
	ActionRandomSlice:    "random-slice",
	ActionVelocityHalf:   "velocity-half",
	ActionVelocityDouble: "velocity-double",
	ActionPitchUp7:       "pitch-up-7",
	ActionPitchDown12:    "pitch-down-12",
	ActionReverse:        "reverse",
	ActionRetrigger:      "retrigger",
}

func (c RuleCondition) String() string { return conditionNames[c] }
func (a RuleAction) String() string    { return actionNames[a] }

func (c RuleCondition) MarshalYAML() (interface{}, error) { return c.String(), nil }
func (a RuleAction) MarshalYAML() (interface{}, error)    { return a.String(), nil }

func (c *RuleCondition) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	for k, v := range conditionNames {
		if v == name {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown rule condition %q", name)
}

func (a *RuleAction) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	for k, v := range actionNames {
		if v == name {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("unknown rule action %q", name)
}
