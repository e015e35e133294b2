// Package tparam implements the STOQ transport-parameter codec: a list of
// (id, length, value) TLVs piggybacked on the QUIC handshake (spec
// section 4.2), carrying extension negotiation and the FALCON handshake
// material described in spec section 4.5.
package tparam

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/stoq-io/stoq/pkg/varint"
)

// ID identifies a recognized STOQ transport parameter (spec section 6.1).
type ID uint64

const (
	IDExtensionsEnabled ID = 0xfe00
	IDFalconEnabled     ID = 0xfe01
	IDFalconPublicKey   ID = 0xfe02
	IDMaxShardSize      ID = 0xfe03
	IDTokenAlgorithm    ID = 0xfe04

	// IDFalconHandshakeSignature is not enumerated in the parameter table
	// of spec section 6.1, but section 4.5 requires the handshake
	// signature to travel "as a handshake transport parameter" — this id
	// is this module's resolution of that gap (see DESIGN.md).
	IDFalconHandshakeSignature ID = 0xfe05
)

// TokenAlgorithm enumerates the value space of the token-algorithm
// parameter. SHA-256 is the only algorithm this specification defines.
type TokenAlgorithm uint64

const TokenAlgorithmSHA256 TokenAlgorithm = 1

// Set is a parsed or to-be-encoded collection of transport parameters.
// Unknown ids are preserved opaquely for forward compatibility but never
// interpreted (spec section 4.2).
type Set struct {
	known   map[ID][]byte
	unknown []rawParam
}

type rawParam struct {
	id    uint64
	value []byte
}

// NewSet returns an empty parameter set.
func NewSet() *Set {
	return &Set{known: make(map[ID][]byte)}
}

// SetBool sets a single-byte boolean parameter.
func (s *Set) SetBool(id ID, v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	s.known[id] = []byte{b}
}

// SetBytes sets an opaque byte-string parameter.
func (s *Set) SetBytes(id ID, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	s.known[id] = cp
}

// SetVarint sets a varint-valued parameter.
func (s *Set) SetVarint(id ID, v uint64) {
	s.known[id] = varint.Append(nil, v)
}

// Bool returns the boolean value of id, or false if absent.
func (s *Set) Bool(id ID) bool {
	v, ok := s.known[id]
	return ok && len(v) == 1 && v[0] != 0
}

// Bytes returns the raw value of id and whether it was present.
func (s *Set) Bytes(id ID) ([]byte, bool) {
	v, ok := s.known[id]
	return v, ok
}

// Varint returns the varint-decoded value of id and whether it was
// present and well-formed.
func (s *Set) Varint(id ID) (uint64, bool) {
	v, ok := s.known[id]
	if !ok {
		return 0, false
	}
	val, n, err := varint.Parse(v)
	if err != nil || n != len(v) {
		return 0, false
	}
	return val, true
}

// Has reports whether id is present in the set.
func (s *Set) Has(id ID) bool {
	_, ok := s.known[id]
	return ok
}

// ExtensionsEnabled is a typed accessor for IDExtensionsEnabled.
func (s *Set) ExtensionsEnabled() bool { return s.Bool(IDExtensionsEnabled) }

// FalconEnabled is a typed accessor for IDFalconEnabled.
func (s *Set) FalconEnabled() bool { return s.Bool(IDFalconEnabled) }

// FalconPublicKey is a typed accessor for IDFalconPublicKey.
func (s *Set) FalconPublicKey() ([]byte, bool) { return s.Bytes(IDFalconPublicKey) }

// MaxShardSize is a typed accessor for IDMaxShardSize.
func (s *Set) MaxShardSize() (uint64, bool) { return s.Varint(IDMaxShardSize) }

// TokenAlgorithmID is a typed accessor for IDTokenAlgorithm.
func (s *Set) TokenAlgorithmID() (TokenAlgorithm, bool) {
	v, ok := s.Varint(IDTokenAlgorithm)
	return TokenAlgorithm(v), ok
}

// FalconHandshakeSignature is a typed accessor for IDFalconHandshakeSignature.
func (s *Set) FalconHandshakeSignature() ([]byte, bool) { return s.Bytes(IDFalconHandshakeSignature) }

// Encode serializes the set as a sequence of (id, length, value) triples.
func (s *Set) Encode() ([]byte, error) {
	var buf bytes.Buffer

	for id, v := range s.known {
		if err := encodeTriple(&buf, uint64(id), v); err != nil {
			return nil, err
		}
	}
	for _, p := range s.unknown {
		if err := encodeTriple(&buf, p.id, p.value); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeTriple(w io.Writer, id uint64, v []byte) error {
	if _, err := w.Write(varint.Append(nil, id)); err != nil {
		return err
	}
	if _, err := w.Write(varint.Append(nil, uint64(len(v)))); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

// Decode parses a Set from its wire encoding. Duplicate ids fail the
// handshake with a decode error, per spec section 6.1; unknown ids are
// preserved but not interpreted.
func Decode(b []byte) (*Set, error) {
	s := NewSet()
	seen := make(map[uint64]bool)

	r := bytes.NewReader(b)
	for r.Len() > 0 {
		id, err := varint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("tparam: decode id: %w", err)
		}
		length, err := varint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("tparam: decode length: %w", err)
		}

		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("tparam: decode value for id 0x%x: %w", id, err)
		}

		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate transport parameter id 0x%x", ErrDuplicateID, id)
		}
		seen[id] = true

		switch ID(id) {
		case IDExtensionsEnabled, IDFalconEnabled, IDFalconPublicKey, IDMaxShardSize, IDTokenAlgorithm, IDFalconHandshakeSignature:
			s.known[ID(id)] = value
		default:
			s.unknown = append(s.unknown, rawParam{id: id, value: value})
		}
	}

	return s, nil
}

// ErrDuplicateID is returned by Decode when the same transport parameter
// id appears twice; the handshake must fail (spec section 6.1).
var ErrDuplicateID = fmt.Errorf("tparam: duplicate id")

// ValidateSTOQ checks the aggregate consistency required for STOQ's own
// parameters: when extensions are enabled, max-shard-size and
// token-algorithm must be present and the token algorithm must be one
// this implementation recognizes. Errors are aggregated via multierror so
// a caller sees every violation at once, not just the first.
func (s *Set) ValidateSTOQ() error {
	if !s.ExtensionsEnabled() {
		return nil
	}

	var errs error

	if _, ok := s.MaxShardSize(); !ok {
		errs = multierror.Append(errs, fmt.Errorf("tparam: max-shard-size missing with extensions enabled"))
	}

	algo, ok := s.TokenAlgorithmID()
	if !ok {
		errs = multierror.Append(errs, fmt.Errorf("tparam: token-algorithm missing with extensions enabled"))
	} else if algo != TokenAlgorithmSHA256 {
		errs = multierror.Append(errs, fmt.Errorf("tparam: unsupported token-algorithm %d", algo))
	}

	return errs
}
