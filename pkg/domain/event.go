package domain

import "fmt"

// EventType categorizes an observed activity
type EventType string

const (
	EventTypeProcessExec    EventType = "process_exec"
	EventTypeProcessExit    EventType = "process_exit"
	EventTypeFileOpen       EventType = "file_open"
	EventTypeNetworkConnect EventType = "network_connect"
)

// ProcessInfo is a point-in-time snapshot of the process that generated an event.
// It is never updated after creation.
type ProcessInfo struct {
	PID  int32  `json:"pid"`
	PPID int32  `json:"ppid"`
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Comm string `json:"comm"`
	Exe  string `json:"exe"`
}

// Event is one observed-activity record.
//
// Events are treated as immutable values. Processors that need to change an
// event return a new value built with WithType/WithData/WithProcess, which
// never touch the receiver's payload.
type Event struct {
	// ID is unique within the pipeline lifetime and assigned by the collector
	ID string `json:"id"`

	// Timestamp in nanoseconds since the UNIX epoch. Monotonic per
	// originating collector only; there is no cross-collector ordering.
	Timestamp uint64 `json:"timestamp"`

	Type    EventType   `json:"event_type"`
	Process ProcessInfo `json:"process"`

	// Data is the type-specific payload
	Data map[string]any `json:"data,omitempty"`

	// Source names the collector that produced the event
	Source string `json:"source,omitempty"`
}

// Clone returns a deep copy of the event, including nested maps and slices
// inside Data.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	return out
}

// WithType returns a copy of the event with a different type
func (e Event) WithType(t EventType) Event {
	out := e.Clone()
	out.Type = t
	return out
}

// WithProcess returns a copy of the event with a different process snapshot
func (e Event) WithProcess(p ProcessInfo) Event {
	out := e.Clone()
	out.Process = p
	return out
}

// WithData returns a copy of the event with key set to value in its payload
func (e Event) WithData(key string, value any) Event {
	out := e.Clone()
	if out.Data == nil {
		out.Data = make(map[string]any, 1)
	}
	out.Data[key] = value
	return out
}

// DataString returns the payload value under key when it is a string
func (e Event) DataString(key string) (string, bool) {
	v, ok := e.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Validate checks the fields every collector must populate
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event %s: event type is required", e.ID)
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("event %s: timestamp is required", e.ID)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
