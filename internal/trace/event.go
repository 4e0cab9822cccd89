package trace

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// uuidEpochOffsetTicks is the number of 100ns ticks between the time UUID
// epoch (1582-10-15) and the Unix epoch.
const uuidEpochOffsetTicks = 0x01B21DD213814000

const ticksPerMillisecond = 10_000

// Event is a single trace event contributed by the coordinator or a replica.
type Event struct {
	Description         string `json:"description"`
	Timestamp           int64  `json:"timestamp_ms"`
	Source              net.IP `json:"source"`
	SourceElapsedMicros int32  `json:"source_elapsed_us"`
	ThreadName          string `json:"thread"`
}

// Time returns the event timestamp as a UTC time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

func (e Event) String() string {
	return fmt.Sprintf("%s on %s[%s] at %s", e.Description, e.Source, e.ThreadName, e.Time().Format(time.RFC3339Nano))
}

func newEvent(row EventRow) (Event, error) {
	ts, err := TimeUUIDMillis(row.EventID)
	if err != nil {
		return Event{}, fmt.Errorf("decode event_id for %q: %w", row.Activity, err)
	}
	return Event{
		Description:         row.Activity,
		Timestamp:           ts,
		Source:              cloneIP(row.Source),
		SourceElapsedMicros: row.SourceElapsed,
		ThreadName:          row.Thread,
	}, nil
}

// TimeUUIDMillis extracts the Unix millisecond timestamp embedded in a
// version 1 (time-based) UUID.
func TimeUUIDMillis(id uuid.UUID) (int64, error) {
	if id.Version() != 1 {
		return 0, fmt.Errorf("%w: uuid %s is version %d, not a time uuid", ErrMalformedRow, id, id.Version())
	}
	return (int64(id.Time()) - uuidEpochOffsetTicks) / ticksPerMillisecond, nil
}

// TimeUUIDFromMillis builds a version 1 UUID whose clock reading is exactly ms
// milliseconds after the Unix epoch. The node and clock sequence come from seq.
func TimeUUIDFromMillis(ms int64, seq uint64) uuid.UUID {
	ticks := uint64(ms*ticksPerMillisecond + uuidEpochOffsetTicks)

	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], uint32(ticks))
	binary.BigEndian.PutUint16(id[4:6], uint16(ticks>>32))
	binary.BigEndian.PutUint16(id[6:8], uint16(ticks>>48)&0x0fff|0x1000)
	binary.BigEndian.PutUint16(id[8:10], uint16(seq)&0x3fff|0x8000)
	var node [8]byte
	binary.BigEndian.PutUint64(node[:], seq)
	copy(id[10:16], node[2:8])
	return id
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
