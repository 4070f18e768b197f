package queue

import (
	"math"
	"time"

	"github.com/mjl-/spoold/store"
)

// AttemptsAttr is the record attribute holding the number of failed delivery
// attempts, maintained by Fail.
const AttemptsAttr = "spoold.attempts"

// Backoff determines when records become eligible for (re)delivery.
type Backoff struct {
	Incoming time.Duration // Delay for new records, typically zero.
	Error    time.Duration // Delay after a failed attempt.

	// With Exponential, the delay after failed attempt n is Error*2^(n-1), at most Max.
	// A zero Max does not limit the delay.
	Max         time.Duration
	Exponential bool
}

// Attempts returns the number of failed delivery attempts of r.
func Attempts(r store.Record) int {
	v, ok := r.Attributes[AttemptsAttr]
	if !ok || v.Kind != store.KindInt || v.Int < 0 {
		return 0
	}
	return int(v.Int)
}

// Delay returns the time after LastUpdated at which r becomes eligible. Records
// in states other than incoming and error are never eligible, for them Delay
// returns -1.
func (b Backoff) Delay(r store.Record) time.Duration {
	switch r.State {
	case store.StateIncoming:
		return b.Incoming
	case store.StateError:
	default:
		return -1
	}
	d := b.Error
	if b.Exponential {
		for i := 1; i < Attempts(r) && d > 0 && (b.Max <= 0 || d < b.Max); i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Eligible is the default predicate for Accept: records in state incoming or
// error whose backoff period has passed.
func (b Backoff) Eligible(r store.Record, now time.Time) bool {
	d := b.Delay(r)
	return d >= 0 && !r.LastUpdated.Add(d).After(now)
}

// Predicate selects records for Accept. It must not block or modify the record.
type Predicate func(r store.Record, now time.Time) bool
