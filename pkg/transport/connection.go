package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/extension"
	"github.com/stoq-io/stoq/pkg/falcon"
	"github.com/stoq-io/stoq/pkg/frame"
	"github.com/stoq-io/stoq/pkg/metrics"
	"github.com/stoq-io/stoq/pkg/seeddir"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

const (
	kindPayload byte = 0
	kindFrame   byte = 1
)

// quicConn narrows quic.Connection to what this package touches, so tests
// can exercise Connection against a small fake instead of the real
// transport.
type quicConn interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	OpenStreamSync(context.Context) (quic.Stream, error)
	AcceptStream(context.Context) (quic.Stream, error)
	CloseWithError(quic.ApplicationErrorCode, string) error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// Connection is one STOQ connection: a QUIC connection handle, the
// extension handler owned for its lifetime, and its live adaptive
// parameters (spec section 3).
type Connection struct {
	id     uint64
	qconn  quicConn
	ext    *extension.Handler
	logger *log.Entry
	metrics metrics.Sink

	paramsMu         sync.RWMutex
	params           adaptive.ConnectionParameters
	outstandingBytes uint64

	peerPub falcon.PublicKey
	seedDir *seeddir.Directory

	recvCh chan []byte
	seedCh chan *frame.SeedFrame

	falconMu          sync.Mutex
	pendingFalconSigs []*frame.FalconSignatureFrame

	statsMu      sync.Mutex
	bytesWindow  uint64
	lastSampleAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id uint64, qconn quicConn, policy extension.Policy, peerPub falcon.PublicKey, logger *log.Entry, sink metrics.Sink, seedDir *seeddir.Directory) *Connection {
	entry := logger.WithField("conn_id", id)
	return &Connection{
		id:           id,
		qconn:        qconn,
		ext:          extension.New(policy, entry, sink),
		logger:       entry,
		metrics:      sink,
		params:       adaptive.TierTarget(adaptive.TierStandard),
		peerPub:      peerPub,
		seedDir:      seedDir,
		recvCh:       make(chan []byte, 64),
		seedCh:       make(chan *frame.SeedFrame, 16),
		lastSampleAt: time.Now(),
		closed:       make(chan struct{}),
	}
}

// peerAddrPort splits a RemoteAddr into the bracketed IPv6-literal host and
// port the seed directory keys its known nodes by (matching the
// "[addr]:port" shape seeddir.Directory.BuildForwardGraph composes). A
// malformed address (unexpected outside of tests against a fake quicConn)
// yields port 0.
func peerAddrPort(addr net.Addr) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "[" + host + "]", 0
	}
	return "[" + host + "]", uint16(port)
}

// ID returns the connection's locally unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// PeerPublicKey returns the peer's FALCON public key captured at
// handshake, or nil if the connection proceeded non-PQ.
func (c *Connection) PeerPublicKey() falcon.PublicKey { return c.peerPub }

func (c *Connection) currentParams() adaptive.ConnectionParameters {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	return c.params
}

// Send traverses the extension handler's outbound contract and writes
// each resulting item as a QUIC datagram or a dedicated stream, chosen by
// size against the connection's current MaxDatagramSize parameter (its
// adaptive tier target); the peer's QUIC max datagram size is not
// consulted.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	items, err := c.ext.PrepareSend(payload)
	if err != nil {
		return stoqerr.New(stoqerr.Protocol, "failed to prepare outbound payload", err)
	}

	for _, item := range items {
		buf, err := encodeWireItem(item)
		if err != nil {
			return stoqerr.New(stoqerr.Protocol, "failed to encode outbound item", err)
		}
		if err := c.sendEncoded(ctx, buf); err != nil {
			return err
		}
	}

	c.statsMu.Lock()
	c.bytesWindow += uint64(len(payload))
	c.statsMu.Unlock()

	return nil
}

func encodeWireItem(item extension.WireItem) ([]byte, error) {
	if item.Frame != nil {
		body, err := frame.Encode(item.Frame)
		if err != nil {
			return nil, err
		}
		return append([]byte{kindFrame}, body...), nil
	}
	return append([]byte{kindPayload}, item.Payload...), nil
}

func (c *Connection) sendEncoded(ctx context.Context, buf []byte) error {
	maxDatagram := c.currentParams().MaxDatagramSize

	if uint64(len(buf)) <= maxDatagram {
		if err := c.qconn.SendDatagram(buf); err != nil {
			return stoqerr.New(stoqerr.Io, "failed to send datagram", err)
		}
		return nil
	}

	stream, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return stoqerr.New(stoqerr.Io, "failed to open stream", err)
	}

	c.paramsMu.Lock()
	c.outstandingBytes += uint64(len(buf))
	c.paramsMu.Unlock()

	_, werr := stream.Write(buf)
	cerr := stream.Close()

	c.paramsMu.Lock()
	c.outstandingBytes -= uint64(len(buf))
	c.paramsMu.Unlock()

	if werr != nil {
		return stoqerr.New(stoqerr.Io, "failed to write stream payload", werr)
	}
	if cerr != nil {
		return stoqerr.New(stoqerr.Io, "failed to close stream", cerr)
	}
	return nil
}

// Recv delivers the next reassembled, validated payload in arrival order
// of its completing shard (spec section 4.7).
func (c *Connection) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.recvCh:
		return p, nil
	case <-ctx.Done():
		return nil, stoqerr.New(stoqerr.Cancelled, "recv cancelled", ctx.Err())
	case <-c.closed:
		return nil, stoqerr.New(stoqerr.Io, "connection closed", nil)
	}
}

// RecvSeed delivers the next inbound SeedFrame as opaque metadata (spec
// section 4.4's SeedFrame contract).
func (c *Connection) RecvSeed(ctx context.Context) (*frame.SeedFrame, error) {
	select {
	case s := <-c.seedCh:
		return s, nil
	case <-ctx.Done():
		return nil, stoqerr.New(stoqerr.Cancelled, "recv cancelled", ctx.Err())
	case <-c.closed:
		return nil, stoqerr.New(stoqerr.Io, "connection closed", nil)
	}
}

// readLoop runs the datagram and stream receive paths until the
// connection closes.
func (c *Connection) readLoop() {
	go c.datagramLoop()
	go c.streamLoop()
	<-c.closed
}

func (c *Connection) datagramLoop() {
	for {
		data, err := c.qconn.ReceiveDatagram(context.Background())
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.WithError(err).Debug("datagram receive loop ending")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) streamLoop() {
	for {
		stream, err := c.qconn.AcceptStream(context.Background())
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.WithError(err).Debug("stream accept loop ending")
			}
			return
		}
		go c.handleStream(stream)
	}
}

func (c *Connection) handleStream(stream quic.Stream) {
	data, err := io.ReadAll(io.LimitReader(stream, maxFramedMessage))
	_ = stream.Close()
	if err != nil {
		c.logger.WithError(err).Debug("failed reading stream payload")
		return
	}
	c.dispatch(data)
}

func (c *Connection) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	tag, body := data[0], data[1:]

	switch tag {
	case kindPayload:
		c.deliverPayload(body)
	case kindFrame:
		c.dispatchFrame(body)
	default:
		c.logger.WithField("tag", tag).Debug("ignoring item with unrecognized wire tag")
	}
}

func (c *Connection) dispatchFrame(body []byte) {
	f, err := frame.Decode(body)
	if err != nil {
		// A structurally malformed frame is a protocol violation; per
		// spec section 7 the connection is closed. An unrecognized but
		// well-formed type code decodes cleanly into Unknown below (P2)
		// and never reaches this branch.
		c.logger.WithError(err).Warn("malformed frame, closing connection")
		_ = c.Close("protocol error: malformed frame")
		return
	}

	switch v := f.(type) {
	case *frame.TokenFrame:
		c.ext.HandleTokenFrame(v)

	case *frame.ShardFrame:
		d, err := c.ext.HandleShardFrame(v)
		if err != nil {
			c.logger.WithError(err).Debug("shard handling error, recovering")
			return
		}
		if d != nil {
			c.deliverFinal(d)
		}

	case *frame.HopFrame:
		c.logger.WithFields(log.Fields{"ttl": v.TTL, "hops": len(v.Hops)}).Debug("received informational hop frame")

	case *frame.SeedFrame:
		if c.seedDir != nil {
			addr, port := peerAddrPort(c.qconn.RemoteAddr())
			c.seedDir.ObserveFrame(v, addr, port)
		}
		select {
		case c.seedCh <- v:
		default:
			c.logger.Debug("seed frame channel full, dropping")
		}

	case *frame.FalconSignatureFrame:
		c.falconMu.Lock()
		c.pendingFalconSigs = append(c.pendingFalconSigs, v)
		c.falconMu.Unlock()

	case *frame.Unknown:
		c.logger.WithField("frame_type", v.Type()).Debug("ignoring unknown frame type")
	}
}

func (c *Connection) deliverPayload(raw []byte) {
	d, err := c.ext.HandlePayload(raw)
	if err != nil {
		c.logger.WithError(err).Debug("payload validation failed, dropping")
		return
	}
	if d != nil {
		c.deliverFinal(d)
	}
}

func (c *Connection) deliverFinal(d *extension.Delivery) {
	c.falconMu.Lock()
	var sig *frame.FalconSignatureFrame
	if len(c.pendingFalconSigs) > 0 {
		sig = c.pendingFalconSigs[0]
		c.pendingFalconSigs = c.pendingFalconSigs[1:]
	}
	c.falconMu.Unlock()

	if sig != nil && c.peerPub != nil {
		ok, err := c.ext.VerifyFalconSignature(c.peerPub, sig, d.Payload)
		if err != nil || !ok {
			c.logger.Debug("falcon signature verification failed, dropping payload")
			return
		}
	}

	select {
	case c.recvCh <- d.Payload:
	case <-c.closed:
	}
}

// applyParameters installs a new ConnectionParameters snapshot, clamping
// per P6: flow-control windows never drop below currently-outstanding
// bytes, and stream-concurrency limits never drop below their
// currently-effective value (a decrease only takes effect for future
// admission, which this module's simplified bookkeeping realizes by
// simply not lowering the live value here).
func (c *Connection) applyParameters(next adaptive.ConnectionParameters) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()

	if next.MaxStreamWindow < c.outstandingBytes {
		next.MaxStreamWindow = c.outstandingBytes
	}
	if next.MaxConnectionWindow < c.outstandingBytes {
		next.MaxConnectionWindow = c.outstandingBytes
	}
	if next.MaxConcurrentBidiStreams < c.params.MaxConcurrentBidiStreams {
		next.MaxConcurrentBidiStreams = c.params.MaxConcurrentBidiStreams
	}
	if next.MaxConcurrentUniStreams < c.params.MaxConcurrentUniStreams {
		next.MaxConcurrentUniStreams = c.params.MaxConcurrentUniStreams
	}

	c.params = next
}

// Parameters returns the connection's currently effective parameters.
func (c *Connection) Parameters() adaptive.ConnectionParameters {
	return c.currentParams()
}

func (c *Connection) updatePolicy(policy extension.Policy) {
	c.ext.SetPolicy(policy)
}

// sampleConditions reports a throughput estimate over the time since the
// last sample, resetting the window (spec section 4.6's measurement
// step). RTT, loss, and jitter are left at zero here: quic-go's public
// API does not expose live RTT/loss samples, so an operator wiring a real
// deployment is expected to feed those in via a richer Sink/probe; this
// facade supplies what it can observe directly (bytes transferred).
func (c *Connection) sampleConditions() adaptive.NetworkConditions {
	c.statsMu.Lock()
	bytes := c.bytesWindow
	elapsed := time.Since(c.lastSampleAt)
	c.bytesWindow = 0
	c.lastSampleAt = time.Now()
	c.statsMu.Unlock()

	var mbps float64
	if elapsed > 0 {
		mbps = float64(bytes*8) / elapsed.Seconds() / 1_000_000
	}

	return adaptive.NetworkConditions{
		ThroughputMbps: mbps,
		LastUpdated:    time.Now(),
	}
}

// Close initiates graceful shutdown; in-flight reassemblies are dropped
// (spec section 4.7).
func (c *Connection) Close(reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.qconn.CloseWithError(0, reason)
	})
	return nil
}
