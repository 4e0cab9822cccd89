package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FixtureDocument is the YAML (or JSON) shape accepted by the import command
// and the ingest endpoint.
type FixtureDocument struct {
	Traces []FixtureTrace `yaml:"traces" json:"traces"`
}

// FixtureTrace describes one trace as a coordinator would write it.
type FixtureTrace struct {
	SessionID   string            `yaml:"session_id" json:"session_id"`
	Request     string            `yaml:"request" json:"request"`
	Coordinator string            `yaml:"coordinator" json:"coordinator"`
	Parameters  map[string]string `yaml:"parameters" json:"parameters"`
	StartedAt   time.Time         `yaml:"started_at" json:"started_at"`
	// DurationMicros is left unset for traces that are still being written.
	DurationMicros *int32         `yaml:"duration_us" json:"duration_us"`
	Events         []FixtureEvent `yaml:"events" json:"events"`
}

// FixtureEvent is one events row. OffsetMillis is relative to StartedAt.
type FixtureEvent struct {
	Activity      string `yaml:"activity" json:"activity"`
	OffsetMillis  int64  `yaml:"offset_ms" json:"offset_ms"`
	Source        string `yaml:"source" json:"source"`
	SourceElapsed int32  `yaml:"source_elapsed_us" json:"source_elapsed_us"`
	Thread        string `yaml:"thread" json:"thread"`
}

// ParseFixture decodes a fixture document. Unknown fields are rejected.
func ParseFixture(r io.Reader) (FixtureDocument, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return FixtureDocument{}, fmt.Errorf("read fixture: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return FixtureDocument{}, errors.New("fixture is empty")
	}

	var doc FixtureDocument
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return FixtureDocument{}, fmt.Errorf("parse fixture: %w", err)
	}
	if len(doc.Traces) == 0 {
		return FixtureDocument{}, errors.New("fixture has no traces")
	}
	for i := range doc.Traces {
		if err := doc.Traces[i].validate(); err != nil {
			return FixtureDocument{}, fmt.Errorf("traces[%d]: %w", i, err)
		}
	}
	return doc, nil
}

func (t *FixtureTrace) validate() error {
	if strings.TrimSpace(t.SessionID) != "" {
		if _, err := uuid.Parse(strings.TrimSpace(t.SessionID)); err != nil {
			return fmt.Errorf("session_id: %w", err)
		}
	}
	if strings.TrimSpace(t.Request) == "" {
		return errors.New("request is required")
	}
	if t.Coordinator != "" && net.ParseIP(strings.TrimSpace(t.Coordinator)) == nil {
		return fmt.Errorf("coordinator %q is not an IP address", t.Coordinator)
	}
	if t.DurationMicros != nil && *t.DurationMicros < 0 {
		return errors.New("duration_us must be >= 0")
	}
	for i, event := range t.Events {
		if strings.TrimSpace(event.Activity) == "" {
			return fmt.Errorf("events[%d]: activity is required", i)
		}
		if event.Source != "" && net.ParseIP(strings.TrimSpace(event.Source)) == nil {
			return fmt.Errorf("events[%d]: source %q is not an IP address", i, event.Source)
		}
		if event.OffsetMillis < 0 {
			return fmt.Errorf("events[%d]: offset_ms must be >= 0", i)
		}
	}
	return nil
}

// Mutations converts the trace into the writes a coordinator issues: the
// session row and its events first, then the duration that marks the trace
// complete. A trace without a duration yields a single mutation. A missing
// session id or start time is filled from now.
func (t FixtureTrace) Mutations(now time.Time) (uuid.UUID, []Mutation) {
	startedAt := t.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	startedAt = startedAt.UTC()
	startMillis := startedAt.UnixMilli()

	id, err := uuid.Parse(strings.TrimSpace(t.SessionID))
	if err != nil {
		id = TimeUUIDFromMillis(startMillis, uint64(now.UnixNano()))
	}

	session := &SessionRow{
		SessionID:   id,
		Request:     t.Request,
		Coordinator: net.ParseIP(strings.TrimSpace(t.Coordinator)),
		Parameters:  t.Parameters,
		StartedAt:   startedAt,
	}
	events := make([]EventRow, 0, len(t.Events))
	for i, event := range t.Events {
		events = append(events, EventRow{
			SessionID:     id,
			Activity:      event.Activity,
			EventID:       TimeUUIDFromMillis(startMillis+event.OffsetMillis, uint64(i)+1),
			Source:        net.ParseIP(strings.TrimSpace(event.Source)),
			SourceElapsed: event.SourceElapsed,
			Thread:        event.Thread,
		})
	}

	mutations := []Mutation{{Session: session, Events: events}}
	if t.DurationMicros != nil {
		duration := *t.DurationMicros
		finished := *session
		finished.Duration = &duration
		mutations = append(mutations, Mutation{Session: &finished})
	}
	return id, mutations
}
