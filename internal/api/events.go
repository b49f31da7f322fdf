package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/internal/processors"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

// QueryResponse is the body of GET /events
type QueryResponse struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
}

// LagNotice is written to the stream when the subscriber fell behind
type LagNotice struct {
	Lagged uint64 `json:"lagged"`
}

// ParseQuery builds an EventQuery from URL parameters:
// start and end in nanoseconds, since as a duration back from now,
// repeatable type, pid, comm, uid and limit
func ParseQuery(values url.Values, now time.Time) (domain.EventQuery, error) {
	var q domain.EventQuery

	if v := values.Get("start"); v != "" {
		start, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid start %q: %w", v, err)
		}
		q.StartTime = &start
	}
	if v := values.Get("since"); v != "" {
		if q.StartTime != nil {
			return q, fmt.Errorf("start and since are mutually exclusive")
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return q, fmt.Errorf("invalid since %q", v)
		}
		start := uint64(now.Add(-d).UnixNano())
		q.StartTime = &start
	}
	if v := values.Get("end"); v != "" {
		end, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid end %q: %w", v, err)
		}
		q.EndTime = &end
	}

	for _, t := range values["type"] {
		if t != "" {
			q.EventTypes = append(q.EventTypes, domain.EventType(t))
		}
	}

	var filter domain.ProcessFilter
	hasFilter := false
	if v := values.Get("pid"); v != "" {
		pid, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return q, fmt.Errorf("invalid pid %q: %w", v, err)
		}
		p := int32(pid)
		filter.PID = &p
		hasFilter = true
	}
	if v := values.Get("comm"); v != "" {
		filter.Comm = &v
		hasFilter = true
	}
	if v := values.Get("uid"); v != "" {
		uid, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return q, fmt.Errorf("invalid uid %q: %w", v, err)
		}
		u := uint32(uid)
		filter.UID = &u
		hasFilter = true
	}
	if hasFilter {
		q.Process = &filter
	}

	if v := values.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = limit
	}
	return q, nil
}

// handleQuery handles GET /events
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query, err := ParseQuery(r.URL.Query(), time.Now())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if query.Limit == 0 || query.Limit > s.config.MaxQueryLimit {
		query.Limit = s.config.MaxQueryLimit
	}

	program, err := compileFilter(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the expression runs after storage, so the limit is applied afterwards
	limit := query.Limit
	if program != nil {
		query.Limit = 0
	}

	events, err := s.storage.Query(r.Context(), query)
	if err != nil {
		s.logger.Error("Query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	if program != nil {
		matched := events[:0]
		for _, e := range events {
			ok, err := processors.Match(program, e)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			if ok {
				matched = append(matched, e)
			}
		}
		events = matched
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
	}

	if events == nil {
		events = []domain.Event{}
	}
	s.respondJSON(w, http.StatusOK, QueryResponse{Events: events, Count: len(events)})
}

func compileFilter(values url.Values) (*vm.Program, error) {
	expression := values.Get("filter")
	if expression == "" {
		return nil, nil
	}
	program, err := processors.CompileExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return program, nil
}

// handleStream handles GET /events/stream. Every processed event is written
// as one JSON line. The stream ends when the client goes away or the
// pipeline output closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	types := make(map[domain.EventType]struct{})
	for _, t := range r.URL.Query()["type"] {
		types[domain.EventType(t)] = struct{}{}
	}
	program, err := compileFilter(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := s.pipeline.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ctx := r.Context()
	for {
		event, err := sub.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
			if len(types) > 0 {
				if _, ok := types[event.Type]; !ok {
					continue
				}
			}
			if program != nil {
				if ok, _ := processors.Match(program, event); !ok {
					continue
				}
			}
			if err := enc.Encode(event); err != nil {
				return
			}
		case errors.As(err, &lagged):
			s.logger.Warn("Stream subscriber lagged", zap.Uint64("missed", lagged.Missed))
			if err := enc.Encode(LagNotice{Lagged: lagged.Missed}); err != nil {
				return
			}
		default:
			return
		}
		flusher.Flush()
	}
}
