package okserial

import (
	"math"
	"time"
)

// Forever requests an unbounded wait from any timeout parameter.
const Forever time.Duration = math.MaxInt64

// deadline is an absolute point on the monotonic clock, or unbounded.
// The zero value is an already-expired deadline.
type deadline struct {
	at        time.Time
	unbounded bool
}

// saturateAt is where timeouts stop being representable: adding ~146 years
// to the monotonic clock risks overflow, and no such wait can expire anyway.
const saturateAt = Forever / 2

// toDeadline converts a relative timeout into an absolute deadline.
// Forever, and any timeout too large for clock arithmetic, maps to the
// unbounded sentinel; timeouts <= 0 to "already expired".
func toDeadline(timeout time.Duration) deadline {
	if timeout >= saturateAt {
		return deadline{unbounded: true}
	}
	now := time.Now()
	if timeout <= 0 {
		return deadline{at: now}
	}
	return deadline{at: now.Add(timeout)}
}

// fromDeadline converts a deadline back into the wait remaining: Forever for
// the unbounded sentinel, 0 for deadlines at or before now. Round-tripping
// through toDeadline never extends the original deadline.
func fromDeadline(d deadline) time.Duration {
	if d.unbounded {
		return Forever
	}
	if left := time.Until(d.at); left > 0 {
		return left
	}
	return 0
}
