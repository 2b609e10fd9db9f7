// Package events keeps an append-only, in-memory log of job lifecycle
// events. Webhook dispatch and the events endpoint read it with cursors.
package events

import (
	"sync"
	"time"
)

// EventPayload carries structured event data.
type EventPayload map[string]any

// Event is one log entry. Seq is a strictly increasing cursor.
type Event struct {
	Seq     int64        `json:"seq"`
	TS      string       `json:"ts"`
	Type    string       `json:"type"`
	JobID   string       `json:"jobId"`
	Payload EventPayload `json:"payload,omitempty"`
}

// Log is safe for concurrent append and read. State lives in process memory
// only; a restart starts the log empty at sequence zero.
type Log struct {
	Now func() time.Time

	mu     sync.Mutex
	events []Event
	seq    int64
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append adds one event and returns it with its sequence assigned.
func (l *Log) Append(eventType, jobID string, payload EventPayload) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := Event{
		Seq:     l.seq,
		TS:      l.now().UTC().Format(time.RFC3339),
		Type:    eventType,
		JobID:   jobID,
		Payload: payload,
	}
	l.events = append(l.events, e)
	return e
}

// After returns up to limit events with Seq greater than cursor, oldest
// first. limit <= 0 means no limit.
func (l *Log) After(cursor int64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Seq <= cursor {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ForJob returns every event for one job, oldest first.
func (l *Log) ForJob(jobID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}
