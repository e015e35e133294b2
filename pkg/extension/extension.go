package extension

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/falcon"
	"github.com/stoq-io/stoq/pkg/frame"
	"github.com/stoq-io/stoq/pkg/metrics"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

// WireItem is one unit produced by PrepareSend: either a control Frame to
// be encoded and transmitted, or a raw Payload to be sent as-is (the
// single, unsharded transmission case).
type WireItem struct {
	Frame   frame.Frame
	Payload []byte
}

// Delivery is a payload the extension handler has validated and
// reassembled (if necessary) and that is now ready for the application.
type Delivery struct {
	PacketID uint64
	Payload  []byte
}

type tokenEntry struct {
	packetID  uint64
	token     [32]byte
	timestamp uint64
}

// Handler is the per-connection extension state: outbound frame
// production and inbound frame validation/reassembly (C4). One Handler is
// owned by exactly one Connection.
type Handler struct {
	mu sync.RWMutex

	policy Policy

	nextPacketID uint64
	nextShardID  uint64

	pendingTokens []tokenEntry
	reassembly    *reassemblyTable

	validationFailures uint64

	logger  *log.Entry
	metrics metrics.Sink
}

// New constructs a Handler for one connection under policy.
func New(policy Policy, logger *log.Entry, sink metrics.Sink) *Handler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Handler{
		policy:     policy,
		reassembly: newReassemblyTable(policy.MaxReassemblyBytes),
		logger:     logger,
		metrics:    sink,
	}
}

// Policy returns the handler's current policy.
func (h *Handler) Policy() Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy
}

// SetPolicy swaps in a new policy (e.g. via update_live_config). The
// reassembly table keeps its existing byte budget in effect for sets
// already in flight; only newly admitted shards see the new budget.
func (h *Handler) SetPolicy(p Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy = p
	h.reassembly.maxBytes = p.MaxReassemblyBytes
}

// ValidationFailures returns the running count of dropped payloads due to
// token mismatch, FALCON signature mismatch, or poisoned shard sets.
func (h *Handler) ValidationFailures() uint64 {
	return atomic.LoadUint64(&h.validationFailures)
}

func (h *Handler) countFailure() {
	atomic.AddUint64(&h.validationFailures, 1)
	h.metrics.IncrCounter("stoq.extension.validation_failure")
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// PrepareSend produces the outbound wire items for one application
// payload, per the outbound contract of spec section 4.4: an optional
// TokenFrame, followed either by the raw payload or a ShardFrame sequence
// when the payload exceeds the negotiated max-shard-size.
func (h *Handler) PrepareSend(payload []byte) ([]WireItem, error) {
	h.mu.Lock()
	packetID := h.nextPacketID
	h.nextPacketID++
	h.mu.Unlock()

	var items []WireItem

	if h.policy.TokenizationEnabled {
		sum := sha256.Sum256(payload)
		items = append(items, WireItem{Frame: &frame.TokenFrame{
			PacketID:  packetID,
			Token:     sum,
			Timestamp: nowMillis(),
		}})
	}

	if h.policy.MaxShardSize > 0 && uint64(len(payload)) > h.policy.MaxShardSize {
		items = append(items, h.shardPayload(payload)...)
	} else {
		items = append(items, WireItem{Payload: payload})
	}

	return items, nil
}

func (h *Handler) shardPayload(payload []byte) []WireItem {
	maxSize := h.policy.MaxShardSize

	h.mu.Lock()
	shardID := h.nextShardID
	h.nextShardID++
	h.mu.Unlock()

	total := uint32((uint64(len(payload)) + maxSize - 1) / maxSize)
	if total == 0 {
		total = 1
	}

	items := make([]WireItem, 0, total)
	for idx := uint32(0); idx < total; idx++ {
		start := uint64(idx) * maxSize
		end := start + maxSize
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}

		items = append(items, WireItem{Frame: &frame.ShardFrame{
			ShardID:     shardID,
			TotalShards: total,
			ShardIndex:  idx,
			Data:        payload[start:end],
		}})
	}
	return items
}

// HandleTokenFrame registers an inbound TokenFrame to be matched, FIFO,
// against the next payload (raw or reassembled) this connection delivers.
func (h *Handler) HandleTokenFrame(f *frame.TokenFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingTokens = append(h.pendingTokens, tokenEntry{
		packetID:  f.PacketID,
		token:     f.Token,
		timestamp: f.Timestamp,
	})
}

// HandlePayload matches a raw or reassembled payload against the oldest
// pending TokenFrame, if tokenization is in effect. A mismatch drops the
// payload and is recoverable (P4); absence of a pending token when none is
// expected delivers the payload unconditionally.
func (h *Handler) HandlePayload(payload []byte) (*Delivery, error) {
	if !h.policy.TokenizationEnabled {
		return &Delivery{Payload: payload}, nil
	}

	h.mu.Lock()
	if len(h.pendingTokens) == 0 {
		h.mu.Unlock()
		return &Delivery{Payload: payload}, nil
	}
	entry := h.pendingTokens[0]
	h.pendingTokens = h.pendingTokens[1:]
	h.mu.Unlock()

	sum := sha256.Sum256(payload)
	if sum != entry.token {
		h.countFailure()
		h.logger.WithField("packet_id", entry.packetID).Debug("token mismatch, dropping payload")
		return nil, stoqerr.New(stoqerr.TokenMismatch, "token does not match payload", nil)
	}

	return &Delivery{PacketID: entry.packetID, Payload: payload}, nil
}

// HandleShardFrame accumulates one shard. It returns a non-nil Delivery
// once the set completes (having already run the result through token
// matching), and evicts or expires other sets as needed to respect the
// connection's reassembly byte budget.
func (h *Handler) HandleShardFrame(f *frame.ShardFrame) (*Delivery, error) {
	h.mu.Lock()

	for _, id := range h.reassembly.evictExpired(time.Now(), h.policy.ReassemblyTimeout) {
		h.logger.WithField("shard_id", id).Debug("shard reassembly timed out")
		h.metrics.IncrCounter("stoq.extension.reassembly_timeout")
	}

	set := h.reassembly.getOrCreate(f.ShardID, f.TotalShards, time.Now())
	added, mismatch := set.add(f.TotalShards, f.ShardIndex, f.Data)
	if mismatch {
		h.reassembly.remove(f.ShardID)
		h.mu.Unlock()
		h.countFailure()
		h.logger.WithField("shard_id", f.ShardID).Warn("poisoned shard set: total_shards mismatch")
		return nil, stoqerr.New(stoqerr.Protocol, "shard set poisoned by total_shards mismatch", nil)
	}

	h.reassembly.totalBytes += added
	for h.policy.MaxReassemblyBytes > 0 && h.reassembly.totalBytes > h.policy.MaxReassemblyBytes {
		if !h.reassembly.evictOldest(f.ShardID) {
			break
		}
		h.metrics.IncrCounter("stoq.extension.reassembly_evicted")
	}

	payload, complete := set.complete()
	if complete {
		h.reassembly.remove(f.ShardID)
	}
	h.mu.Unlock()

	if !complete {
		return nil, nil
	}
	return h.HandlePayload(payload)
}

// HandleHopFrame applies forwarder semantics: append the local address,
// decrement ttl, and report whether the frame should continue being
// forwarded. Non-forwarding endpoints should not call this; the frame is
// purely informational to them.
func HandleHopFrame(f *frame.HopFrame, localAddr [16]byte) (*frame.HopFrame, error) {
	if f.TTL == 0 {
		return nil, stoqerr.New(stoqerr.Protocol, "hop frame arrived with ttl already 0", nil)
	}

	hops := make([][16]byte, len(f.Hops), len(f.Hops)+1)
	copy(hops, f.Hops)
	hops = append(hops, localAddr)

	next := &frame.HopFrame{Hops: hops, TTL: f.TTL - 1}
	if next.TTL == 0 {
		return next, stoqerr.New(stoqerr.Protocol, "hop frame ttl exhausted at this hop", nil)
	}
	return next, nil
}

// VerifyFalconSignature checks a FalconSignatureFrame against the
// connection's known peer public key and the payload the caller pairs it
// with; f.KeyID is not consulted, and the transport pairs signature frames
// with delivered payloads in arrival order. A mismatch is recoverable: the
// payload is dropped.
func (h *Handler) VerifyFalconSignature(peerPub falcon.PublicKey, f *frame.FalconSignatureFrame, payload []byte) (bool, error) {
	ok, err := falcon.Verify(peerPub, payload, f.Signature)
	if err != nil {
		return false, stoqerr.New(stoqerr.Protocol, "falcon signature verification errored", err)
	}
	if !ok {
		h.countFailure()
	}
	return ok, nil
}
