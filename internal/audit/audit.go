// Package audit appends structured gateway events as JSONL (one JSON object
// per line): every cost-log record and every circuit-breaker transition.
// Events are flushed per line so the trail is readable while the gateway runs.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgrid/llm-gateway/internal/store"
)

// BreakerTransition records one circuit-breaker state change.
type BreakerTransition struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Failures  int       `json:"failures"`
}

// Log writes audit events to a JSONL file. A nil path disables it.
type Log struct {
	path string
	mu   sync.Mutex
}

// New creates the audit log at path, ensuring its directory exists. An empty
// path returns a disabled log.
func New(path string) (*Log, error) {
	l := &Log{path: path}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if f, err := os.Create(path); err == nil {
			_ = f.Close()
		}
	}
	return l, nil
}

func (l *Log) append(event any) {
	if l == nil || l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to encode event")
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("audit: failed to open log")
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("audit: failed to write event")
	}
}

// RecordCost appends one accounting record.
func (l *Log) RecordCost(e *store.CostLogEntry) {
	l.append(e)
}

// RecordBreakerTransition appends one breaker state change.
func (l *Log) RecordBreakerTransition(from, to string, failures int) {
	l.append(&BreakerTransition{
		Timestamp: time.Now(),
		Event:     "breaker_transition",
		From:      from,
		To:        to,
		Failures:  failures,
	})
}
