// Package transport implements the STOQ transport facade (C7): binding
// endpoints, performing the hybrid handshake on connect/accept, and
// wiring the extension handler (C4) and adaptive controller (C6) into the
// send/receive paths.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/extension"
	"github.com/stoq-io/stoq/pkg/handshake"
	"github.com/stoq-io/stoq/pkg/metrics"
	"github.com/stoq-io/stoq/pkg/seeddir"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

// Config bundles the per-endpoint policy handed to Bind.
type Config struct {
	FalconPolicy       handshake.Policy
	Keys               handshake.KeyProvider
	ExtensionPolicy    extension.Policy
	AdaptiveCooldownMs int
	AdaptiveMaxPassMs  int
	Logger             *log.Entry
	Metrics            metrics.Sink
}

func (c *Config) fillDefaults() {
	if c.Keys == nil {
		c.Keys = handshake.EphemeralKeyProvider{}
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
	if c.ExtensionPolicy == (extension.Policy{}) {
		c.ExtensionPolicy = extension.DefaultPolicy()
	}
}

// Endpoint owns the local QUIC socket and every Connection accepted or
// dialed through it (spec section 5: "The endpoint's UDP socket: owned by
// the facade").
type Endpoint struct {
	addr     string
	listener *quic.Listener
	cfg      Config
	adaptive *adaptive.Controller
	seedDir  *seeddir.Directory

	mu         sync.RWMutex
	conns      map[uint64]*Connection
	nextConnID uint64
}

// Bind opens a listening STOQ endpoint on an IPv6 address (P8). It fails
// with a Bind error on an IPv4 address or an address collision.
func Bind(addr string, cfg Config) (*Endpoint, error) {
	cfg.fillDefaults()

	udpAddr, err := requireIPv6(addr)
	if err != nil {
		return nil, err
	}

	pc, err := listenConfig().ListenPacket(context.Background(), "udp6", udpAddr.String())
	if err != nil {
		return nil, stoqerr.New(stoqerr.Bind, "failed to open udp6 socket", err)
	}

	ln, err := quic.Listen(pc, selfSignedTLSConfig(), defaultQUICConfig())
	if err != nil {
		return nil, stoqerr.New(stoqerr.Bind, "failed to start quic listener", err)
	}

	e := &Endpoint{
		addr:     addr,
		listener: ln,
		cfg:      cfg,
		adaptive: adaptive.New(time.Duration(cfg.AdaptiveCooldownMs)*time.Millisecond, time.Duration(cfg.AdaptiveMaxPassMs)*time.Millisecond, cfg.Logger, cfg.Metrics),
		seedDir:  seeddir.New(cfg.Logger),
		conns:    make(map[uint64]*Connection),
	}
	return e, nil
}

// SeedDirectory returns the endpoint's seed directory (C13), populated from
// every connection's inbound SeedFrames, for an admin surface or hop
// forwarder to read.
func (e *Endpoint) SeedDirectory() *seeddir.Directory {
	return e.seedDir
}

// Accept waits for and completes the handshake on the next inbound
// connection.
func (e *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	qconn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Io, "accept failed", err)
	}

	conn, err := e.completeHandshake(ctx, qconn, false)
	if err != nil {
		_ = qconn.CloseWithError(handshakeErrorCode(err), err.Error())
		return nil, err
	}
	return conn, nil
}

// Connect dials remote over IPv6 and performs the handshake as the
// initiating side.
func (e *Endpoint) Connect(ctx context.Context, remote string) (*Connection, error) {
	udpAddr, err := requireIPv6(remote)
	if err != nil {
		return nil, err
	}

	qconn, err := quic.DialAddr(ctx, udpAddr.String(), dialerTLSConfig(), defaultQUICConfig())
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "quic dial failed", err)
	}

	conn, err := e.completeHandshake(ctx, qconn, true)
	if err != nil {
		_ = qconn.CloseWithError(handshakeErrorCode(err), err.Error())
		return nil, err
	}
	return conn, nil
}

func handshakeErrorCode(err error) quic.ApplicationErrorCode {
	if se, ok := err.(*stoqerr.Error); ok {
		switch se.Kind {
		case stoqerr.PostQuantumAuthFailed:
			return 1
		case stoqerr.PostQuantumUnavailable:
			return 2
		default:
			return 3
		}
	}
	return 3
}

// completeHandshake runs C5 over a dedicated first stream: the dialer
// opens it and sends first, grounded on the teacher's
// handshakeDialer/handshakeListener stream-exchange pattern.
func (e *Endpoint) completeHandshake(ctx context.Context, qconn quic.Connection, isDialer bool) (*Connection, error) {
	var stream quic.Stream
	var err error

	if isDialer {
		stream, err = qconn.OpenStreamSync(ctx)
	} else {
		stream, err = qconn.AcceptStream(ctx)
	}
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to establish handshake stream", err)
	}
	defer stream.Close()

	peerEndpointID := []byte(qconn.RemoteAddr().String())

	out, err := handshake.BuildOutgoing(e.cfg.FalconPolicy, e.cfg.ExtensionPolicy.MaxShardSize, e.cfg.Keys, peerEndpointID, e.cfg.Logger)
	if err != nil {
		return nil, err
	}
	outBytes, err := out.Encode()
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to encode outgoing parameters", err)
	}

	if isDialer {
		if err := writeFramed(stream, outBytes); err != nil {
			return nil, stoqerr.New(stoqerr.Handshake, "failed to send handshake parameters", err)
		}
	}

	peerBytes, err := readFramed(stream)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to receive peer handshake parameters", err)
	}

	if !isDialer {
		if err := writeFramed(stream, outBytes); err != nil {
			return nil, stoqerr.New(stoqerr.Handshake, "failed to send handshake parameters", err)
		}
	}

	localEndpointID := []byte(qconn.LocalAddr().String())
	result, err := handshake.VerifyIncoming(e.cfg.FalconPolicy, peerBytes, localEndpointID, e.cfg.Logger)
	if err != nil {
		return nil, err
	}

	policy := e.cfg.ExtensionPolicy
	if mss, ok := result.PeerParams.MaxShardSize(); ok && mss < policy.MaxShardSize {
		policy.MaxShardSize = mss
	}
	if !result.PeerParams.ExtensionsEnabled() {
		policy.TokenizationEnabled = false
	}

	connID := atomic.AddUint64(&e.nextConnID, 1)
	conn := newConnection(connID, qconn, policy, result.PeerPublicKey, e.cfg.Logger, e.cfg.Metrics, e.seedDir)

	e.mu.Lock()
	e.conns[connID] = conn
	e.mu.Unlock()
	e.adaptive.Register(connID)

	go conn.readLoop()

	return conn, nil
}

// UpdateLiveConfig pushes a new extension policy to every active
// connection (C7's update_live_config). The policy is installed on each
// connection as given; it is not validated here.
func (e *Endpoint) UpdateLiveConfig(policy extension.Policy) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.conns {
		c.updatePolicy(policy)
	}
}

// ForceAdapt triggers an immediate adaptive-controller pass for one
// connection, bypassing hysteresis.
func (e *Endpoint) ForceAdapt(connID uint64, cond adaptive.NetworkConditions) error {
	e.mu.RLock()
	conn, ok := e.conns[connID]
	e.mu.RUnlock()
	if !ok {
		return stoqerr.New(stoqerr.Io, fmt.Sprintf("no such connection %d", connID), nil)
	}

	params, changed := e.adaptive.ForceAdapt(connID, cond, time.Now())
	if changed {
		conn.applyParameters(*params)
	}
	return nil
}

// RunAdaptivePass samples every connection's live stats and applies any
// tier transitions that fire (the adaptive controller's background loop,
// spec section 4.6). It returns the set of connections that changed tier in
// this pass, so a caller can surface the transition (e.g. to an admin
// broadcast) without re-querying controller state.
func (e *Endpoint) RunAdaptivePass(stalenessBound time.Duration) map[uint64]adaptive.ConnectionParameters {
	e.mu.RLock()
	conns := make(map[uint64]*Connection, len(e.conns))
	for id, c := range e.conns {
		conns[id] = c
	}
	e.mu.RUnlock()

	updates, _ := e.adaptive.RunPass(time.Now(), stalenessBound, func(id uint64) (adaptive.NetworkConditions, bool) {
		c, ok := conns[id]
		if !ok {
			return adaptive.NetworkConditions{}, false
		}
		return c.sampleConditions(), true
	})

	for id, params := range updates {
		if c, ok := conns[id]; ok {
			c.applyParameters(params)
		}
	}
	return updates
}

// ConnectionInfo is one connection's read-only admin view, independent of
// any particular admin-surface package.
type ConnectionInfo struct {
	ID     uint64
	Tier   adaptive.Tier
	Params adaptive.ConnectionParameters
}

// Snapshot returns a point-in-time view of every active connection, for an
// admin introspection surface to render (kept free of a dependency on any
// such surface itself).
func (e *Endpoint) Snapshot() []ConnectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(e.conns))
	for id, c := range e.conns {
		tier := adaptive.TierStandard
		if st, ok := e.adaptive.State(id); ok {
			tier = st.CurrentTier
		}
		out = append(out, ConnectionInfo{ID: id, Tier: tier, Params: c.Parameters()})
	}
	return out
}

// Close shuts down the endpoint and every connection it owns.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[uint64]*Connection)
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.Close("endpoint shutting down")
	}
	return e.listener.Close()
}
