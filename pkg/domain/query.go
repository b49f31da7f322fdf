package domain

// ProcessFilter narrows a query to events from matching processes.
// Nil fields match everything.
type ProcessFilter struct {
	PID  *int32  `json:"pid,omitempty"`
	Comm *string `json:"comm,omitempty"`
	UID  *uint32 `json:"uid,omitempty"`
}

// EventQuery describes a storage lookup. The pipeline never interprets it.
type EventQuery struct {
	// StartTime and EndTime are inclusive nanosecond bounds
	StartTime *uint64 `json:"start_time,omitempty"`
	EndTime   *uint64 `json:"end_time,omitempty"`

	// EventTypes restricts results to these types when non-empty
	EventTypes []EventType `json:"event_types,omitempty"`

	Process *ProcessFilter `json:"process_filter,omitempty"`

	// Limit caps the number of results; 0 means unlimited
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies every criterion except Limit
func (q EventQuery) Matches(e Event) bool {
	if q.StartTime != nil && e.Timestamp < *q.StartTime {
		return false
	}
	if q.EndTime != nil && e.Timestamp > *q.EndTime {
		return false
	}
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Process != nil {
		return q.Process.Matches(e.Process)
	}
	return true
}

// Matches reports whether the process snapshot satisfies the filter
func (f ProcessFilter) Matches(p ProcessInfo) bool {
	if f.PID != nil && *f.PID != p.PID {
		return false
	}
	if f.Comm != nil && *f.Comm != p.Comm {
		return false
	}
	if f.UID != nil && *f.UID != p.UID {
		return false
	}
	return true
}
