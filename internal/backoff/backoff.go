// Package backoff holds the retry policy shared by the job and document-task
// queues: the fixed back-off schedule, error-message classification, and the
// error truncation applied before persisting.
package backoff

import (
	"strings"
	"time"
)

// Schedule is the wait before attempt k (0-indexed), in minutes:
// attempt 0 is immediate, then 1m, 5m, 15m, 60m, 60m, ...
var Schedule = []time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// Delay returns the back-off before attempt number `attempts` (0-indexed).
// Attempts beyond the schedule stay at the final 60-minute step.
func Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(Schedule) {
		attempts = len(Schedule) - 1
	}
	return Schedule[attempts]
}

// MaxErrorMessageLen caps persisted error messages.
const MaxErrorMessageLen = 500

// Truncate shortens an error message to MaxErrorMessageLen characters.
func Truncate(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	return msg[:MaxErrorMessageLen]
}

// Kind is the classification of a failure message.
type Kind int

const (
	// KindUnknown is a message matching neither marker list. Treated as
	// retryable so handler bugs get the full attempt budget.
	KindUnknown Kind = iota
	// KindPermanent failures are never retried.
	KindPermanent
	// KindTransient failures are retried on the schedule.
	KindTransient
)

// Substrings that mark an error as permanent. Checked first: a message
// matching both lists is permanent.
var permanentMarkers = []string{
	"not found",
	"invalid",
	"unsupported",
	"permission denied",
	"unauthorized",
	"forbidden",
	"404",
	"401",
	"403",
	"configuration error",
}

// Substrings that mark an error as transient.
var transientMarkers = []string{
	"timeout",
	"connection refused",
	"service unavailable",
	"temporary failure",
	"503",
	"connectionerror",
	"timeouterror",
	"rate limit",
	"too many requests",
	"429",
}

// Classify inspects a failure message. Permanent markers win over transient
// ones; an empty or unrecognized message classifies as KindUnknown.
func Classify(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return KindPermanent
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return KindTransient
		}
	}
	return KindUnknown
}

// Retryable reports whether a failure message should be retried.
// Everything except a permanent classification is retryable.
func Retryable(msg string) bool {
	return Classify(msg) != KindPermanent
}
