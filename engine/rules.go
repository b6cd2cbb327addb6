package engine

import (
	"math/rand"

	"github.com/sampoaudio/sampo"
)

type (
	// PlayHistory tracks what one source has actually played. Mutated only
	// by RuleEngine.recordPlay and cleared on Reset.
	PlayHistory struct {
		Beats       []float64 // beat times of past triggers, oldest first
		LastSlice   int
		Consecutive int // run length of repeats of the same slice index
		TotalPlays  int
		LastBeat    float64
	}

	// TriggerContext is what rule conditions see: the trigger being
	// evaluated plus a digest of the source's history.
	TriggerContext struct {
		Slice            int
		Velocity         float64
		Beat             float64
		ConsecutivePlays int
		TotalPlays       int
		TimeSinceLast    float64 // beats; MaxFloat-ish large when never played
	}

	// Mutation is the cumulative result of all fired rules applied to one
	// trigger. Skip only flags that downstream playback should be
	// suppressed; it never stops later rules from applying.
	Mutation struct {
		Skip      bool
		Slice     int
		Velocity  float64
		Pitch     float64 // semitones, added to the trigger's own shift
		Reverse   bool
		Retrigger bool
	}

	// RuleEngine is the stateful, control-domain tracker of per-source play
	// history that conditionally mutates triggers before they reach the
	// voices.
	RuleEngine struct {
		hist map[string]*PlayHistory
		rand *rand.Rand
	}
)

const (
	defaultRepeatRun    = 3
	defaultEveryNth     = 4
	highVelocity        = 0.8
	longSilenceBeats    = 4.0
	historyLength       = 64 // beats kept per source, enough for any condition
	neverPlayedDistance = 1e9
)

func NewRuleEngine(seed int64) *RuleEngine {
	return &RuleEngine{
		hist: make(map[string]*PlayHistory),
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Evaluate runs every enabled rule, in list order, against the trigger and
// the source's play history. Rules whose condition holds fire with their
// probability; fired actions apply cumulatively to the working mutation.
// The resulting slice index (after any random-slice mutation) is recorded
// into history before returning, so consecutive-repeat tracking reflects
// what actually played.
func (e *RuleEngine) Evaluate(rules []sampo.Rule, source string, slice int, velocity, beat float64, sliceCount int) Mutation {
	h := e.history(source)
	ctx := TriggerContext{
		Slice:            slice,
		Velocity:         velocity,
		Beat:             beat,
		TotalPlays:       h.TotalPlays,
		TimeSinceLast:    neverPlayedDistance,
		ConsecutivePlays: 0,
	}
	if h.TotalPlays > 0 {
		ctx.TimeSinceLast = beat - h.LastBeat
		if h.LastSlice == slice {
			ctx.ConsecutivePlays = h.Consecutive
		}
	}

	m := Mutation{Slice: slice, Velocity: velocity} // identity transform
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !e.conditionHolds(rule, ctx) {
			continue
		}
		if rule.Probability < 1 && e.rand.Float64() >= rule.Probability {
			continue
		}
		e.apply(rule.Action, &m, sliceCount)
	}
	e.recordPlay(source, m.Slice, beat)
	return m
}

func (e *RuleEngine) conditionHolds(rule sampo.Rule, ctx TriggerContext) bool {
	switch rule.Condition {
	case sampo.ConditionSliceRepeated:
		n := rule.N
		if n <= 0 {
			n = defaultRepeatRun
		}
		// the trigger under evaluation is the n:th identical hit in a row
		return ctx.ConsecutivePlays >= n-1
	case sampo.ConditionEveryNthPlay:
		n := rule.N
		if n <= 0 {
			n = defaultEveryNth
		}
		return ctx.TotalPlays > 0 && (ctx.TotalPlays+1)%n == 0
	case sampo.ConditionFirstSlice:
		return ctx.Slice == 0
	case sampo.ConditionHighVelocity:
		return ctx.Velocity > highVelocity
	case sampo.ConditionLongSilence:
		return ctx.TotalPlays > 0 && ctx.TimeSinceLast >= longSilenceBeats
	}
	return false
}

func (e *RuleEngine) apply(action sampo.RuleAction, m *Mutation, sliceCount int) {
	switch action {
	case sampo.ActionSkip:
		m.Skip = true
	case sampo.ActionRandomSlice:
		if sliceCount > 0 {
			m.Slice = e.rand.Intn(sliceCount)
		}
	case sampo.ActionVelocityHalf:
		m.Velocity *= 0.5
	case sampo.ActionVelocityDouble:
		m.Velocity *= 2
		if m.Velocity > 1 {
			m.Velocity = 1
		}
	case sampo.ActionPitchUp7:
		m.Pitch += 7
	case sampo.ActionPitchDown12:
		m.Pitch -= 12
	case sampo.ActionReverse:
		m.Reverse = !m.Reverse
	case sampo.ActionRetrigger:
		m.Retrigger = true
	}
}

// recordPlay appends the resulting play to the source's history.
func (e *RuleEngine) recordPlay(source string, slice int, beat float64) {
	h := e.history(source)
	if h.TotalPlays > 0 && h.LastSlice == slice {
		h.Consecutive++
	} else {
		h.Consecutive = 1
	}
	h.LastSlice = slice
	h.LastBeat = beat
	h.TotalPlays++
	h.Beats = append(h.Beats, beat)
	if len(h.Beats) > historyLength {
		h.Beats = h.Beats[len(h.Beats)-historyLength:]
	}
}

// History exposes a source's play history, for inspection and UI.
func (e *RuleEngine) History(source string) PlayHistory {
	if h, ok := e.hist[source]; ok {
		return *h
	}
	return PlayHistory{}
}

// Reset clears all per-source history; called on transport stop and seek so
// stale consecutive-play counts do not leak across transport boundaries.
func (e *RuleEngine) Reset() {
	for k := range e.hist {
		delete(e.hist, k)
	}
}

func (e *RuleEngine) history(source string) *PlayHistory {
	h, ok := e.hist[source]
	if !ok {
		h = &PlayHistory{}
		e.hist[source] = h
	}
	return h
}
