// Package trace models browser performance traces: the raw event stream, the
// processed view of the main renderer thread, and the main-thread task tree.
// This package has no dependencies on the scorer or the simulator; it stores
// pure data types plus the artifacts derived directly from them.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidTrace reports an event stream that cannot be decoded or lacks the
// markers needed to locate the main thread.
var ErrInvalidTrace = errors.New("invalid trace")

// Event phases used by the analysis.
const (
	PhaseComplete     = "X"
	PhaseBegin        = "B"
	PhaseEnd          = "E"
	PhaseInstant      = "I"
	PhaseInstantLower = "i"
	PhaseMetadata     = "M"
	PhaseAsyncBegin   = "b"
	PhaseAsyncInstant = "n"
	PhaseMark         = "R"
)

// ID2 carries the scoped async identifier of an event.
type ID2 struct {
	Local  string `json:"local,omitempty"`
	Global string `json:"global,omitempty"`
}

// Event is one immutable instrumentation record. Timestamps and durations are
// in microseconds on the trace clock.
type Event struct {
	Name string          `json:"name"`
	Cat  string          `json:"cat"`
	Ph   string          `json:"ph"`
	Ts   float64         `json:"ts"`
	Dur  float64         `json:"dur,omitempty"`
	Pid  int             `json:"pid"`
	Tid  int             `json:"tid"`
	ID   string          `json:"id,omitempty"`
	ID2  *ID2            `json:"id2,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DecodeArgs unmarshals the event's args into v. Events without args leave v untouched.
func (e *Event) DecodeArgs(v any) error {
	if len(e.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Args, v); err != nil {
		return fmt.Errorf("decode args of %s@%.0f: %w", e.Name, e.Ts, err)
	}
	return nil
}

// End returns the end timestamp of the event (Ts for instant events).
func (e *Event) End() float64 {
	return e.Ts + e.Dur
}

// Trace is a captured event stream in trace order.
type Trace struct {
	TraceEvents []Event `json:"traceEvents"`
}

// Load decodes a trace in either the object form ({"traceEvents": [...]}) or
// the bare array form.
func Load(r io.Reader) (*Trace, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidTrace)
	}

	var t Trace
	if data[0] == '[' {
		if err := json.Unmarshal(data, &t.TraceEvents); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		return &t, nil
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	if t.TraceEvents == nil {
		return nil, fmt.Errorf("%w: missing traceEvents", ErrInvalidTrace)
	}
	return &t, nil
}
