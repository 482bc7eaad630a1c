package taler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Timestamp is a wall-clock instant with second resolution, or the special
// "never" value used for deadlines that do not apply.
type Timestamp struct {
	t     time.Time
	never bool
}

// TimestampFrom truncates t to whole seconds in UTC.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

// Never returns the open-ended timestamp.
func Never() Timestamp {
	return Timestamp{never: true}
}

func (ts Timestamp) IsNever() bool { return ts.never }

func (ts Timestamp) IsZero() bool { return !ts.never && ts.t.IsZero() }

// Time returns the underlying instant. Never reports the maximum representable time.
func (ts Timestamp) Time() time.Time {
	if ts.never {
		return time.Unix(math.MaxInt64/int64(time.Second), 0).UTC()
	}
	return ts.t
}

// Add shifts the timestamp forward; never stays never.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	if ts.never {
		return ts
	}
	return TimestampFrom(ts.t.Add(d))
}

// Before reports whether ts is strictly earlier than other. Never is after everything.
func (ts Timestamp) Before(other Timestamp) bool {
	if ts.never {
		return false
	}
	if other.never {
		return true
	}
	return ts.t.Before(other.t)
}

func (ts Timestamp) Equal(other Timestamp) bool {
	if ts.never || other.never {
		return ts.never == other.never
	}
	return ts.t.Equal(other.t)
}

// BinaryNBO renders the 8-byte layout used inside signed payloads:
// microseconds since the epoch as u64 BE, with never mapped to the maximum.
func (ts Timestamp) BinaryNBO() []byte {
	buf := make([]byte, 8)
	if ts.never {
		binary.BigEndian.PutUint64(buf, math.MaxUint64)
		return buf
	}
	binary.BigEndian.PutUint64(buf, uint64(ts.t.UnixMicro()))
	return buf
}

type timestampWire struct {
	TS json.RawMessage `json:"t_s"`
}

// MarshalJSON renders {"t_s": <seconds>} or {"t_s": "never"}.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.never {
		return []byte(`{"t_s":"never"}`), nil
	}
	return []byte(fmt.Sprintf(`{"t_s":%d}`, ts.t.Unix())), nil
}

// UnmarshalJSON accepts both the numeric and the "never" form.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var wire timestampWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("timestamp malformed: %w", err)
	}
	if len(wire.TS) == 0 {
		return fmt.Errorf("timestamp malformed: missing t_s")
	}
	var never string
	if err := json.Unmarshal(wire.TS, &never); err == nil {
		if never != "never" {
			return fmt.Errorf("timestamp malformed: %q", never)
		}
		*ts = Never()
		return nil
	}
	var secs int64
	if err := json.Unmarshal(wire.TS, &secs); err != nil {
		return fmt.Errorf("timestamp malformed: %s", data)
	}
	*ts = Timestamp{t: time.Unix(secs, 0).UTC()}
	return nil
}
