package timeutil

import "time"

// TimeProvider supplies wall-clock timestamps plus a monotonic elapsed-time
// reference. Session-end decisions use the monotonic reading so that a
// wall-clock adjustment while the app is backgrounded cannot end (or fail to
// end) a session spuriously.
type TimeProvider interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time

	// ElapsedMillis returns milliseconds elapsed since an arbitrary fixed
	// origin. It is monotonic and unaffected by wall-clock changes.
	ElapsedMillis() int64
}

type systemTime struct {
	origin time.Time
}

// NewSystemTime returns a TimeProvider backed by the system clock. The
// monotonic origin is fixed at construction.
func NewSystemTime() TimeProvider {
	return &systemTime{origin: time.Now()}
}

func (s *systemTime) Now() time.Time {
	return time.Now().UTC()
}

func (s *systemTime) ElapsedMillis() int64 {
	// time.Since reads the monotonic clock embedded in origin.
	return time.Since(s.origin).Milliseconds()
}
