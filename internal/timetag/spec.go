package timetag

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidSpec is wrapped by every ConfigurationError.
var ErrInvalidSpec = errors.New("invalid coincidence spec")

// ConfigurationError reports a coincidence specification that was rejected
// at construction time.
type ConfigurationError struct {
	Label  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("invalid coincidence spec: %s", e.Reason)
	}
	return fmt.Sprintf("invalid coincidence spec %q: %s", e.Label, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidSpec }

// CoincidenceSpec describes one coincidence to count. For two-channel specs
// the optional delay shifts the second channel before matching.
type CoincidenceSpec struct {
	label    string
	channels []int
	windowPs float64
	delayPs  float64
	hasDelay bool
}

// NewSpec validates and builds a spec.
func NewSpec(label string, channels []int, windowPs float64) (CoincidenceSpec, error) {
	switch {
	case strings.TrimSpace(label) == "":
		return CoincidenceSpec{}, &ConfigurationError{Reason: "label must not be empty"}
	case len(channels) < 2:
		return CoincidenceSpec{}, &ConfigurationError{Label: label, Reason: fmt.Sprintf("need at least 2 channels, got %d", len(channels))}
	case !(windowPs > 0):
		return CoincidenceSpec{}, &ConfigurationError{Label: label, Reason: fmt.Sprintf("window must be positive, got %g ps", windowPs)}
	}
	return CoincidenceSpec{label: label, channels: slices.Clone(channels), windowPs: windowPs}, nil
}

// MustSpec is NewSpec for static tables; it panics on invalid input.
func MustSpec(label string, channels []int, windowPs float64) CoincidenceSpec {
	s, err := NewSpec(label, channels, windowPs)
	if err != nil {
		panic(err)
	}
	return s
}

func (s CoincidenceSpec) Label() string     { return s.label }
func (s CoincidenceSpec) Channels() []int   { return slices.Clone(s.channels) }
func (s CoincidenceSpec) WindowPs() float64 { return s.windowPs }
func (s CoincidenceSpec) Arity() int        { return len(s.channels) }

// Channel returns the i-th channel without copying.
func (s CoincidenceSpec) Channel(i int) int { return s.channels[i] }

// Delay returns the configured delay and whether one is set.
func (s CoincidenceSpec) Delay() (float64, bool) { return s.delayPs, s.hasDelay }

// DelayOrZero returns the configured delay, or 0 when none is set.
func (s CoincidenceSpec) DelayOrZero() float64 {
	if !s.hasDelay {
		return 0
	}
	return s.delayPs
}

// WithDelay returns a copy of s carrying delayPs.
func (s CoincidenceSpec) WithDelay(delayPs float64) CoincidenceSpec {
	s.channels = slices.Clone(s.channels)
	s.delayPs = delayPs
	s.hasDelay = true
	return s
}

// WithWindow returns a copy of s with a different window.
func (s CoincidenceSpec) WithWindow(windowPs float64) (CoincidenceSpec, error) {
	if !(windowPs > 0) {
		return CoincidenceSpec{}, &ConfigurationError{Label: s.label, Reason: fmt.Sprintf("window must be positive, got %g ps", windowPs)}
	}
	s.channels = slices.Clone(s.channels)
	s.windowPs = windowPs
	return s, nil
}

func (s CoincidenceSpec) String() string {
	parts := make([]string, len(s.channels))
	for i, ch := range s.channels {
		parts[i] = strconv.Itoa(ch)
	}
	out := fmt.Sprintf("%s(%s) window=%gps", s.label, strings.Join(parts, ","), s.windowPs)
	if s.hasDelay {
		out += fmt.Sprintf(" delay=%gps", s.delayPs)
	}
	return out
}

type specJSON struct {
	Label    string   `json:"label"`
	Channels []int    `json:"channels"`
	WindowPs float64  `json:"window_ps"`
	DelayPs  *float64 `json:"delay_ps,omitempty"`
}

func (s CoincidenceSpec) MarshalJSON() ([]byte, error) {
	out := specJSON{Label: s.label, Channels: s.channels, WindowPs: s.windowPs}
	if s.hasDelay {
		d := s.delayPs
		out.DelayPs = &d
	}
	return json.Marshal(out)
}

func (s *CoincidenceSpec) UnmarshalJSON(data []byte) error {
	var in specJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	spec, err := NewSpec(in.Label, in.Channels, in.WindowPs)
	if err != nil {
		return err
	}
	if in.DelayPs != nil {
		spec = spec.WithDelay(*in.DelayPs)
	}
	*s = spec
	return nil
}
