// Package extension implements the STOQ extension handler (C4): producing
// outbound token/shard frames for application payloads, and validating and
// reassembling the inbound frame stream back into delivered payloads.
package extension

import "time"

// Policy carries the negotiated, per-connection extension settings derived
// from the handshake's transport parameters.
type Policy struct {
	// TokenizationEnabled mirrors the extensions-enabled negotiation
	// outcome for this connection's token frames.
	TokenizationEnabled bool

	// MaxShardSize is the negotiated max-shard-size transport parameter.
	// Payloads larger than this are sharded on send.
	MaxShardSize uint64

	// ReassemblyTimeout bounds how long an incomplete shard set is kept
	// before it is discarded (default 5s per spec section 4.4).
	ReassemblyTimeout time.Duration

	// MaxReassemblyBytes bounds the aggregate memory held by incomplete
	// shard sets for one connection (default 64 MiB per spec section 5).
	MaxReassemblyBytes uint64
}

// DefaultPolicy returns the spec's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		TokenizationEnabled: true,
		MaxShardSize:        16 * 1024,
		ReassemblyTimeout:   5 * time.Second,
		MaxReassemblyBytes:  64 * 1024 * 1024,
	}
}
