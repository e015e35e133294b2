package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/extension"
	"github.com/stoq-io/stoq/pkg/frame"
	"github.com/stoq-io/stoq/pkg/metrics"
	"github.com/stoq-io/stoq/pkg/seeddir"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "udp6" }
func (a fakeAddr) String() string  { return string(a) }

// fakeQUICConn is a minimal quicConn fake for unit-testing Connection
// without a real transport.
type fakeQUICConn struct {
	sentDatagrams [][]byte
	closed        bool
	closeReason   string
}

func (f *fakeQUICConn) SendDatagram(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sentDatagrams = append(f.sentDatagrams, cp)
	return nil
}

func (f *fakeQUICConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeQUICConn) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	panic("not exercised by these tests")
}

func (f *fakeQUICConn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeQUICConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeQUICConn) RemoteAddr() net.Addr { return fakeAddr("[fd00::1]:4433") }
func (f *fakeQUICConn) LocalAddr() net.Addr  { return fakeAddr("[fd00::2]:4433") }

func newTestConnection(t *testing.T, policy extension.Policy) (*Connection, *fakeQUICConn) {
	t.Helper()
	fq := &fakeQUICConn{}
	entry := log.NewEntry(log.New())
	conn := newConnection(1, fq, policy, nil, entry, metrics.Noop{}, seeddir.New(nil))
	return conn, fq
}

func TestSendUnshardedUsesDatagram(t *testing.T) {
	policy := extension.Policy{TokenizationEnabled: false}
	conn, fq := newTestConnection(t, policy)

	if err := conn.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fq.sentDatagrams) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(fq.sentDatagrams))
	}
	if fq.sentDatagrams[0][0] != kindPayload {
		t.Fatalf("expected kindPayload tag, got %d", fq.sentDatagrams[0][0])
	}
}

func TestSendTokenizedProducesTokenThenPayload(t *testing.T) {
	policy := extension.Policy{TokenizationEnabled: true}
	conn, fq := newTestConnection(t, policy)

	if err := conn.Send(context.Background(), []byte("payload-bytes")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fq.sentDatagrams) != 2 {
		t.Fatalf("expected token + payload datagrams, got %d", len(fq.sentDatagrams))
	}
	if fq.sentDatagrams[0][0] != kindFrame {
		t.Fatalf("expected first item tagged as frame")
	}
	if fq.sentDatagrams[1][0] != kindPayload {
		t.Fatalf("expected second item tagged as payload")
	}
}

func TestDispatchPayloadDeliversToRecv(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{TokenizationEnabled: false})

	conn.dispatch(append([]byte{kindPayload}, []byte("data")...))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestDispatchTokenFrameThenMismatchedPayloadDrops(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{TokenizationEnabled: true})

	tokenFrame := &frame.TokenFrame{PacketID: 1, Token: [32]byte{0xAA}, Timestamp: 1}
	encoded, err := frame.Encode(tokenFrame)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	conn.dispatch(append([]byte{kindFrame}, encoded...))
	conn.dispatch(append([]byte{kindPayload}, []byte("wrong-content")...))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Recv(ctx); err == nil {
		t.Fatalf("expected mismatched token to drop the payload, but it was delivered")
	}
}

func TestDispatchHopFrameIsInformationalOnly(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{})

	hop := &frame.HopFrame{Hops: [][16]byte{{1}}, TTL: 4}
	encoded, err := frame.Encode(hop)
	if err != nil {
		t.Fatalf("encode hop: %v", err)
	}
	conn.dispatch(append([]byte{kindFrame}, encoded...))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Recv(ctx); err == nil {
		t.Fatalf("hop frame should never surface through Recv")
	}
}

func TestDispatchSeedFrameDeliveredViaRecvSeed(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{})

	seed := &frame.SeedFrame{SeedID: 7, SeedHash: [32]byte{0x01}, ReplicationFactor: 3}
	encoded, err := frame.Encode(seed)
	if err != nil {
		t.Fatalf("encode seed: %v", err)
	}
	conn.dispatch(append([]byte{kindFrame}, encoded...))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := conn.RecvSeed(ctx)
	if err != nil {
		t.Fatalf("recv seed: %v", err)
	}
	if got.SeedID != 7 {
		t.Fatalf("unexpected seed id: %d", got.SeedID)
	}

	e, ok := conn.seedDir.Lookup(7)
	if !ok {
		t.Fatalf("expected seed directory to record an entry for seed 7")
	}
	if len(e.KnownNodes) != 1 || e.KnownNodes[0].Address != "[fd00::1]" {
		t.Fatalf("unexpected known nodes recorded: %+v", e.KnownNodes)
	}
}

func TestApplyParametersClampsBelowOutstandingBytes(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{})
	conn.outstandingBytes = 1_000_000

	next := adaptive.TierTarget(adaptive.TierSlow)
	conn.applyParameters(next)

	got := conn.Parameters()
	if got.MaxStreamWindow < 1_000_000 {
		t.Fatalf("stream window clamped below outstanding bytes: %d", got.MaxStreamWindow)
	}
	if got.MaxConnectionWindow < 1_000_000 {
		t.Fatalf("connection window clamped below outstanding bytes: %d", got.MaxConnectionWindow)
	}
}

func TestApplyParametersNeverLowersStreamConcurrency(t *testing.T) {
	conn, _ := newTestConnection(t, extension.Policy{})
	conn.params = adaptive.TierTarget(adaptive.TierDataCenter)

	conn.applyParameters(adaptive.TierTarget(adaptive.TierSlow))

	got := conn.Parameters()
	highTier := adaptive.TierTarget(adaptive.TierDataCenter)
	if got.MaxConcurrentBidiStreams < highTier.MaxConcurrentBidiStreams {
		t.Fatalf("bidi stream cap dropped immediately: got %d, want at least %d", got.MaxConcurrentBidiStreams, highTier.MaxConcurrentBidiStreams)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, fq := newTestConnection(t, extension.Policy{})

	if err := conn.Close("bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close("bye again"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !fq.closed {
		t.Fatalf("expected underlying connection to be closed")
	}

	if _, err := conn.Recv(context.Background()); err == nil {
		t.Fatalf("recv after close should error")
	}
}
