package trace

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Record is the frozen content of a completed query trace. A Record is only
// ever built in full and published once; it is never mutated afterwards.
type Record struct {
	ID             uuid.UUID
	RequestType    string
	DurationMicros int32
	Coordinator    net.IP
	Parameters     map[string]string
	StartedAt      int64
	Events         []Event
}

// StartedAtTime returns the server-side start timestamp as a UTC time.
func (r *Record) StartedAtTime() time.Time {
	return time.UnixMilli(r.StartedAt).UTC()
}

func (r *Record) String() string {
	return fmt.Sprintf("%s [%s] - %dµs", r.RequestType, r.ID, r.DurationMicros)
}

func (r *Record) parameters() map[string]string {
	if r.Parameters == nil {
		return nil
	}
	out := make(map[string]string, len(r.Parameters))
	for k, v := range r.Parameters {
		out[k] = v
	}
	return out
}

// events copies the slice and every source address; net.IP is a byte slice.
func (r *Record) events() []Event {
	if r.Events == nil {
		return nil
	}
	out := make([]Event, len(r.Events))
	for i, event := range r.Events {
		event.Source = cloneIP(event.Source)
		out[i] = event
	}
	return out
}

// clone returns a deep copy that shares no memory with r.
func (r *Record) clone() *Record {
	out := *r
	out.Coordinator = cloneIP(r.Coordinator)
	out.Parameters = r.parameters()
	out.Events = r.events()
	return &out
}
