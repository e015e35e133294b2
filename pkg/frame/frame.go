// Package frame implements the STOQ frame wire format: a closed tagged
// union of frame variants, each serialized as a varint type code followed
// by a type-specific payload (spec section 4.1). Frame types outside the
// known STOQ set decode into Unknown and must be ignored by callers,
// never treated as a protocol violation.
package frame

import (
	"bytes"
	"fmt"
	"io"

	"github.com/stoq-io/stoq/pkg/varint"
)

// Type identifies a STOQ frame variant. Values come from the QUIC
// private-use range reserved for STOQ (spec section 6.1).
type Type uint64

const (
	TypeToken           Type = 0xfe000001
	TypeShard           Type = 0xfe000002
	TypeHop             Type = 0xfe000003
	TypeSeed            Type = 0xfe000004
	TypeFalconSignature Type = 0xfe000005
	TypeFalconKey       Type = 0xfe000006
)

func (t Type) String() string {
	switch t {
	case TypeToken:
		return "STOQ_TOKEN"
	case TypeShard:
		return "STOQ_SHARD"
	case TypeHop:
		return "STOQ_HOP"
	case TypeSeed:
		return "STOQ_SEED"
	case TypeFalconSignature:
		return "FALCON_SIG"
	case TypeFalconKey:
		return "FALCON_KEY"
	default:
		return fmt.Sprintf("Unknown(0x%x)", uint64(t))
	}
}

// TokenLen is the fixed size, in bytes, of a TokenFrame's content hash.
const TokenLen = 32

// SeedHashLen is the fixed size, in bytes, of a SeedFrame's content hash.
const SeedHashLen = 32

// IPv6Len is the byte length of an encoded hop address.
const IPv6Len = 16

// Frame is implemented by every STOQ frame variant, including Unknown.
type Frame interface {
	// Type returns the frame's wire type code.
	Type() Type

	// encode writes the type-specific payload (not the type code) to w.
	encode(w io.Writer) error

	// decode reads the type-specific payload (not the type code) from r.
	decode(r Reader) error
}

// Reader is what frame decoding needs from its input.
type Reader interface {
	io.Reader
	io.ByteReader
}

// TokenFrame asserts authenticity/integrity of a payload via content-hash
// binding (spec section 3).
type TokenFrame struct {
	PacketID  uint64
	Token     [TokenLen]byte
	Timestamp uint64 // milliseconds since the Unix epoch
}

func (f *TokenFrame) Type() Type { return TypeToken }

func (f *TokenFrame) encode(w io.Writer) error {
	if err := writeVarint(w, f.PacketID); err != nil {
		return err
	}
	if _, err := w.Write(f.Token[:]); err != nil {
		return err
	}
	return writeVarint(w, f.Timestamp)
}

func (f *TokenFrame) decode(r Reader) error {
	var err error
	if f.PacketID, err = varint.Read(r); err != nil {
		return wrapTruncated(err, "token.packet_id")
	}
	if _, err := io.ReadFull(r, f.Token[:]); err != nil {
		return wrapTruncated(err, "token.token")
	}
	if f.Timestamp, err = varint.Read(r); err != nil {
		return wrapTruncated(err, "token.timestamp")
	}
	return nil
}

// ShardFrame carries one piece of a fragmented payload (spec section 3).
type ShardFrame struct {
	ShardID     uint64
	TotalShards uint32
	ShardIndex  uint32
	Data        []byte
}

func (f *ShardFrame) Type() Type { return TypeShard }

func (f *ShardFrame) encode(w io.Writer) error {
	if err := writeVarint(w, f.ShardID); err != nil {
		return err
	}
	if err := writeVarint(w, uint64(f.TotalShards)); err != nil {
		return err
	}
	if err := writeVarint(w, uint64(f.ShardIndex)); err != nil {
		return err
	}
	if err := writeVarint(w, uint64(len(f.Data))); err != nil {
		return err
	}
	_, err := w.Write(f.Data)
	return err
}

func (f *ShardFrame) decode(r Reader) error {
	shardID, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "shard.shard_id")
	}
	total, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "shard.total")
	}
	index, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "shard.index")
	}
	dataLen, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "shard.data_len")
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return wrapTruncated(err, "shard.data")
	}

	f.ShardID = shardID
	f.TotalShards = uint32(total)
	f.ShardIndex = uint32(index)
	f.Data = data
	return nil
}

// HopFrame records a routing trail with a decrement-on-forward TTL (spec
// section 3). Endpoints that are not forwarders treat it as informational.
type HopFrame struct {
	Hops [][IPv6Len]byte
	TTL  uint32
}

func (f *HopFrame) Type() Type { return TypeHop }

func (f *HopFrame) encode(w io.Writer) error {
	if len(f.Hops) > 255 {
		return fmt.Errorf("frame: hop count %d exceeds u8 range", len(f.Hops))
	}
	if _, err := w.Write([]byte{byte(len(f.Hops))}); err != nil {
		return err
	}
	for _, hop := range f.Hops {
		if _, err := w.Write(hop[:]); err != nil {
			return err
		}
	}
	return writeVarint(w, uint64(f.TTL))
}

func (f *HopFrame) decode(r Reader) error {
	hopCount, err := r.ReadByte()
	if err != nil {
		return wrapTruncated(err, "hop.hop_count")
	}

	hops := make([][IPv6Len]byte, hopCount)
	for i := range hops {
		if _, err := io.ReadFull(r, hops[i][:]); err != nil {
			return wrapTruncated(err, "hop.hops")
		}
	}

	ttl, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "hop.ttl")
	}

	f.Hops = hops
	f.TTL = uint32(ttl)
	return nil
}

// SeedFrame identifies a content seed for distribution (spec section 3).
// Its contents are opaque to the transport layer beyond carriage.
type SeedFrame struct {
	SeedID            uint64
	SeedHash          [SeedHashLen]byte
	ReplicationFactor uint8
}

func (f *SeedFrame) Type() Type { return TypeSeed }

func (f *SeedFrame) encode(w io.Writer) error {
	if err := writeVarint(w, f.SeedID); err != nil {
		return err
	}
	if _, err := w.Write(f.SeedHash[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{f.ReplicationFactor})
	return err
}

func (f *SeedFrame) decode(r Reader) error {
	seedID, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "seed.seed_id")
	}

	var hash [SeedHashLen]byte
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return wrapTruncated(err, "seed.seed_hash")
	}

	replication, err := r.ReadByte()
	if err != nil {
		return wrapTruncated(err, "seed.replication_factor")
	}

	f.SeedID = seedID
	f.SeedHash = hash
	f.ReplicationFactor = replication
	return nil
}

// FalconSignatureFrame is a detached FALCON signature over a referenced
// payload, associated by KeyID (spec section 3).
type FalconSignatureFrame struct {
	KeyID     uint64
	Signature []byte
	SignedAt  uint64 // milliseconds since the Unix epoch
}

func (f *FalconSignatureFrame) Type() Type { return TypeFalconSignature }

func (f *FalconSignatureFrame) encode(w io.Writer) error {
	if err := writeVarint(w, f.KeyID); err != nil {
		return err
	}
	if err := writeVarint(w, uint64(len(f.Signature))); err != nil {
		return err
	}
	if _, err := w.Write(f.Signature); err != nil {
		return err
	}
	return writeVarint(w, f.SignedAt)
}

func (f *FalconSignatureFrame) decode(r Reader) error {
	keyID, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "falcon_sig.key_id")
	}
	sigLen, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "falcon_sig.sig_len")
	}
	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return wrapTruncated(err, "falcon_sig.signature")
	}
	signedAt, err := varint.Read(r)
	if err != nil {
		return wrapTruncated(err, "falcon_sig.signed_at")
	}

	f.KeyID = keyID
	f.Signature = sig
	f.SignedAt = signedAt
	return nil
}

// Unknown carries a frame whose type code is outside the known STOQ set.
// Decoding never fails on an Unknown frame: it is preserved opaquely so a
// connection never closes because a peer is ahead on the frame registry
// (spec invariant 6, property P2).
type Unknown struct {
	FrameType Type
	Raw       []byte
}

func (f *Unknown) Type() Type { return f.FrameType }

func (f *Unknown) encode(w io.Writer) error {
	_, err := w.Write(f.Raw)
	return err
}

func (f *Unknown) decode(r Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.Raw = raw
	return nil
}

// Encode serializes f as frame_type || payload.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(varint.Append(nil, uint64(f.Type())))
	if err := f.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a single frame from b. Unknown frame types never produce
// an error: they decode into an *Unknown carrying the type code and the
// remaining raw bytes.
func Decode(b []byte) (Frame, error) {
	r := bytes.NewReader(b)

	typeVal, err := varint.Read(r)
	if err != nil {
		return nil, &DecodeError{Reason: "frame type", Err: err}
	}
	t := Type(typeVal)

	f, err := newFrame(t)
	if err != nil {
		return nil, err
	}

	if err := f.decode(r); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame %v payload", t), Err: err}
	}

	return f, nil
}

func newFrame(t Type) (Frame, error) {
	switch t {
	case TypeToken:
		return &TokenFrame{}, nil
	case TypeShard:
		return &ShardFrame{}, nil
	case TypeHop:
		return &HopFrame{}, nil
	case TypeSeed:
		return &SeedFrame{}, nil
	case TypeFalconSignature:
		return &FalconSignatureFrame{}, nil
	default:
		return &Unknown{FrameType: t}, nil
	}
}

// DecodeError reports a recoverable frame decode failure: a truncated or
// malformed payload for a recognized frame type. It never fires for an
// unrecognized frame type, which decodes as Unknown instead.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("frame decode: %s: %v", e.Reason, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

func writeVarint(w io.Writer, v uint64) error {
	_, err := w.Write(varint.Append(nil, v))
	return err
}

func wrapTruncated(err error, field string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &DecodeError{Reason: field, Err: varint.ErrTruncated}
	}
	return &DecodeError{Reason: field, Err: err}
}
