// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"time"
)

// TimeLayout is the wire timestamp encoding: microsecond precision with a
// mandatory numeric UTC offset. Offset-less ("naive") timestamps do not
// parse under this layout and are rejected.
const TimeLayout = "2006-01-02T15:04:05.000000-0700"

// EncodeTime renders t in the wire layout, normalised to UTC.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DecodeTime parses a wire timestamp, failing on any value that omits the
// UTC offset or deviates from the layout. Deliberately strict: a "Z"
// suffix or a fraction of fewer than six digits is rejected, since
// EncodeTime only ever emits the full numeric-offset form.
func DecodeTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("wire: invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Now returns the current time truncated to the wire's microsecond
// resolution, so a round-trip through the codec is lossless.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
