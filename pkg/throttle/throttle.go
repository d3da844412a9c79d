// Package throttle turns upstream rate-limit messages into cooldowns.
package throttle

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

// Fallback is used when a throttle message cannot be understood.
const Fallback = 120 * time.Second

// margin is added on top of the advertised wait.
const margin = 2 * time.Second

var throttleRgx = regexp.MustCompile(`.*Expected available in (\d*\.?\d+) seconds\.`)

// Parse extracts the advertised wait from a message such as
// "Request was throttled. Expected available in 9.5 seconds." and returns
// ceil(wait)+2s. ok is false when the message does not match, in which case the
// returned duration is Fallback.
func Parse(msg string) (d time.Duration, ok bool) {
	m := throttleRgx.FindStringSubmatch(msg)
	if m == nil {
		return Fallback, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return Fallback, false
	}
	return time.Duration(math.Ceil(secs))*time.Second + margin, true
}

// Cooldown is Parse without the match flag.
func Cooldown(msg string) time.Duration {
	d, _ := Parse(msg)
	return d
}
