package retry

import "time"

// Backoff is a capped exponential backoff policy keyed by attempt count.
// Attempt numbering starts at 1 (the first failure schedules the second
// attempt Base seconds out).
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
}

// DownlinkBackoff is the delivery retry policy for downlink commands.
var DownlinkBackoff = Backoff{Base: 2 * time.Second, Cap: 60 * time.Second, Factor: 2.0}

// SpoolBackoff is the replay retry policy for spooled webhook envelopes.
var SpoolBackoff = Backoff{Base: 2 * time.Second, Cap: 300 * time.Second, Factor: 2.0}

// Delay returns the wait before the next attempt given the number of
// attempts already made.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(b.Base)
	for i := 1; i < attempts; i++ {
		delay *= factor
		if b.Cap > 0 && delay >= float64(b.Cap) {
			return b.Cap
		}
	}
	if b.Cap > 0 && delay > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(delay)
}
