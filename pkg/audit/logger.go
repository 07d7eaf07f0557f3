// Copyright (c) 2026 Custodia Technologies
//
// This file is part of go-btchsm.
//
// go-btchsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@custodia-tech.io for commercial licensing options.

// Package audit provides the append-only audit trail for custody
// operations. Appends are asynchronous: a buffered channel decouples the
// signing path from sink persistence, so a slow or failing sink can never
// stall or roll back a completed cryptographic operation. Failed sink
// writes are retried in the background, not dropped.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies an entry for downstream filtering.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Outcome records whether the operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Entry is one immutable audit record. Entries are never mutated after
// append.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	KeyID     string    `json:"key_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason,omitempty"`
	Caller    string    `json:"caller,omitempty"`
}

// Sink receives persisted entries. Formatting and export beyond the sink
// boundary belong to the observability collaborator.
type Sink interface {
	Write(Entry) error
}

// WriterSink marshals entries as JSON lines to an io.Writer.
type WriterSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriterSink returns a Sink writing JSON lines to out.
func NewWriterSink(out io.Writer) *WriterSink {
	return &WriterSink{out: out}
}

// Write persists one entry as a JSON line.
func (s *WriterSink) Write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.out, "%s\n", data)
	return err
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	KeyID     string
	Operation string
	Start     time.Time
	End       time.Time
	Limit     int
}

// Logger is the async append-only audit logger.
type Logger struct {
	entries chan Entry
	notify  chan struct{}
	sink    Sink

	mu       sync.RWMutex
	store    []Entry
	overflow []Entry
	failures uint64

	retryBackoff time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewLogger creates a logger with the given channel capacity. sink may be
// nil, in which case entries are only retained in memory for Query.
func NewLogger(bufferSize int, sink Sink) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Logger{
		entries:      make(chan Entry, bufferSize),
		notify:       make(chan struct{}, 1),
		sink:         sink,
		retryBackoff: 100 * time.Millisecond,
		done:         make(chan struct{}),
	}
	go l.processLoop()
	return l
}

// Append records the entry and returns immediately; it never waits on the
// sink. The in-memory trail is written synchronously, so the record exists
// the moment Append returns. The sink copy rides the buffered channel; when
// a slow sink backs the buffer up, the entry is parked on an overflow queue
// the loop services later rather than blocking the caller or losing the
// record.
func (l *Logger) Append(operation, keyID string, outcome Outcome, severity Severity, reason string) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: operation,
		KeyID:     keyID,
		Outcome:   outcome,
		Severity:  severity,
		Reason:    reason,
	}
	l.mu.Lock()
	l.store = append(l.store, entry)
	l.mu.Unlock()

	select {
	case l.entries <- entry:
	default:
		l.mu.Lock()
		l.overflow = append(l.overflow, entry)
		l.mu.Unlock()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	return entry
}

// Query returns retained entries matching the filter, newest first.
func (l *Logger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Entry
	for i := len(l.store) - 1; i >= 0; i-- {
		e := l.store[i]
		if f.KeyID != "" && e.KeyID != f.KeyID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Timestamp.After(f.End) {
			continue
		}
		results = append(results, e)
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results
}

// SinkFailures reports how many sink writes have failed so far. Failures
// are retried; the counter lets operators notice a persistently broken
// sink.
func (l *Logger) SinkFailures() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failures
}

// Close stops the processing loop after draining queued entries. Safe to
// call more than once; Append after Close panics.
func (l *Logger) Close() {
	l.closeOnce.Do(func() { close(l.entries) })
	<-l.done
}

func (l *Logger) processLoop() {
	defer close(l.done)

	for {
		select {
		case entry, ok := <-l.entries:
			if !ok {
				l.flushOverflow()
				return
			}
			l.persist(entry)
		case <-l.notify:
			l.flushOverflow()
		}
	}
}

// flushOverflow drains entries parked while the channel was full.
func (l *Logger) flushOverflow() {
	for {
		l.mu.Lock()
		if len(l.overflow) == 0 {
			l.mu.Unlock()
			return
		}
		entry := l.overflow[0]
		l.overflow = l.overflow[1:]
		l.mu.Unlock()
		l.persist(entry)
	}
}

// persist writes one entry to the sink with bounded retry. Runs only on the
// loop goroutine; the backoff sleeps here delay the external copy, never a
// caller. The entry is already retained in memory, so giving up after the
// attempts loses only the external copy, never the trail itself.
func (l *Logger) persist(entry Entry) {
	if l.sink == nil {
		return
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = l.sink.Write(entry); err == nil {
			return
		}
		time.Sleep(l.retryBackoff << attempt)
	}
	l.mu.Lock()
	l.failures++
	l.mu.Unlock()
}
