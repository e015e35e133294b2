package transport

import (
	"time"

	"github.com/quic-go/quic-go"

	"github.com/stoq-io/stoq/pkg/adaptive"
)

// quicConfigFor translates a ConnectionParameters into the quic-go Config
// that realizes it (spec section 4.6's "parameter update"). MaxIdleMs and
// KeepaliveMs map directly; stream/connection flow-control limits are
// applied through quic-go's window fields. MaxDatagramSize and
// CongestionControllerKind have no counterpart in the returned Config.
func quicConfigFor(p adaptive.ConnectionParameters) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 time.Duration(p.MaxIdleMs) * time.Millisecond,
		KeepAlivePeriod:                time.Duration(p.KeepaliveMs) * time.Millisecond,
		EnableDatagrams:                true,
		MaxIncomingStreams:             int64(p.MaxConcurrentBidiStreams),
		MaxIncomingUniStreams:          int64(p.MaxConcurrentUniStreams),
		InitialStreamReceiveWindow:     p.MaxStreamWindow,
		MaxStreamReceiveWindow:         p.MaxStreamWindow,
		InitialConnectionReceiveWindow: p.MaxConnectionWindow,
		MaxConnectionReceiveWindow:     p.MaxConnectionWindow,
	}
}

// defaultQUICConfig is used before the adaptive controller has produced a
// first real ConnectionParameters (i.e. at handshake time), seeded from
// the neutral Standard tier.
func defaultQUICConfig() *quic.Config {
	return quicConfigFor(adaptive.TierTarget(adaptive.TierStandard))
}
