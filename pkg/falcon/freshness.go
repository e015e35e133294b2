package falcon

import "time"

// DefaultFreshnessWindow is the recommended freshness window for
// application-payload FalconSignatureFrame verification (spec section
// 4.3). It is never enforced on the handshake path, where the TLS
// transcript already provides replay binding.
const DefaultFreshnessWindow = 5 * time.Minute

// IsFresh reports whether signedAt (milliseconds since the Unix epoch) is
// within window of now. Callers pass window <= 0 to disable the check
// entirely, matching the spec's "default off" freshness policy.
func IsFresh(signedAt uint64, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}

	signedTime := time.UnixMilli(int64(signedAt))
	delta := now.Sub(signedTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
