// Package handshake implements the STOQ hybrid post-quantum handshake
// extension (C5): injecting a FALCON keypair and signature into the
// transport parameters exchanged during connection setup, and verifying
// the peer's on accept/connect.
package handshake

import (
	"bytes"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/falcon"
	"github.com/stoq-io/stoq/pkg/stoqerr"
	"github.com/stoq-io/stoq/pkg/tparam"
	"github.com/stoq-io/stoq/pkg/varint"
)

// Policy controls how this side reacts to a peer that does not support
// the PQ extension (spec section 4.5 point 4 / section 7).
type Policy int

const (
	// Required fails the handshake with PostQuantumUnavailable if the
	// peer does not advertise falcon-enabled.
	Required Policy = iota
	// Preferred proceeds classical-only, flagging the connection non-PQ,
	// if the peer does not advertise falcon-enabled.
	Preferred
	// Disabled never advertises or requires the PQ extension locally.
	Disabled
)

const nonceSize = 16

// KeyProvider supplies the local FALCON identity for a connection. A
// caller backed by the key store (C10) returns the same keypair across
// restarts; a caller with no persistence generates a fresh one per call.
type KeyProvider interface {
	KeyPair() (*falcon.KeyPair, error)
}

// EphemeralKeyProvider generates a new keypair on every call; it has no
// persistence and is the default for callers that do not wire a key
// store.
type EphemeralKeyProvider struct{}

func (EphemeralKeyProvider) KeyPair() (*falcon.KeyPair, error) { return falcon.GenerateKeyPair() }

// Result is the outcome of a completed handshake.
type Result struct {
	// LocalPQEnabled reports whether this side advertised the PQ extension.
	LocalPQEnabled bool
	// PeerPQEnabled reports whether the peer advertised and proved the PQ
	// extension. When false and Policy was Preferred, NonPQ is true.
	PeerPQEnabled bool
	// NonPQ is true when the connection proceeded without PQ
	// authentication under a Preferred policy.
	NonPQ bool
	// PeerPublicKey is the peer's FALCON public key, immutable for the
	// lifetime of the connection once recorded (spec invariant 4).
	PeerPublicKey falcon.PublicKey
	// PeerParams is the peer's full decoded transport-parameter set, for
	// the transport facade to pull max-shard-size etc. from.
	PeerParams *tparam.Set
}

// BuildOutgoing constructs this side's outgoing transport-parameter set:
// extension negotiation plus, when policy is not Disabled, the
// FALCON public key and handshake signature over
// local_pub || peerEndpointID || nonce (spec section 4.5 points 2–3).
func BuildOutgoing(policy Policy, maxShardSize uint64, keys KeyProvider, peerEndpointID []byte, logger *log.Entry) (*tparam.Set, error) {
	set := tparam.NewSet()
	set.SetBool(tparam.IDExtensionsEnabled, true)
	set.SetVarint(tparam.IDMaxShardSize, maxShardSize)
	set.SetVarint(tparam.IDTokenAlgorithm, uint64(tparam.TokenAlgorithmSHA256))

	if policy == Disabled {
		set.SetBool(tparam.IDFalconEnabled, false)
		return set, nil
	}

	pair, err := keys.KeyPair()
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to obtain local falcon keypair", err)
	}

	nonce, err := falcon.NewNonce(nonceSize)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to generate handshake nonce", err)
	}

	msg := signaturePayload(pair.Public, peerEndpointID, nonce)
	sig, err := falcon.Sign(pair.Private, msg)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Handshake, "failed to sign handshake payload", err)
	}

	set.SetBool(tparam.IDFalconEnabled, true)
	set.SetBytes(tparam.IDFalconPublicKey, pair.Public)
	set.SetBytes(tparam.IDFalconHandshakeSignature, encodeSignatureValue(nonce, 0, sig))

	if logger != nil {
		logger.WithField("falcon_public_key_len", len(pair.Public)).Debug("built outgoing PQ handshake parameters")
	}

	return set, nil
}

// VerifyIncoming decodes the peer's transport-parameter bytes and, per
// policy, verifies their FALCON signature over
// peer_pub || localEndpointID || nonce.
func VerifyIncoming(policy Policy, peerRaw []byte, localEndpointID []byte, logger *log.Entry) (*Result, error) {
	peerParams, err := tparam.Decode(peerRaw)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Protocol, "failed to decode peer transport parameters", err)
	}

	res := &Result{
		LocalPQEnabled: policy != Disabled,
		PeerParams:     peerParams,
	}

	if !peerParams.FalconEnabled() {
		if policy == Required {
			return nil, stoqerr.New(stoqerr.PostQuantumUnavailable, "peer did not advertise falcon-enabled", nil)
		}
		res.NonPQ = true
		return res, nil
	}

	peerPub, ok := peerParams.FalconPublicKey()
	if !ok {
		if policy == Required {
			return nil, stoqerr.New(stoqerr.PostQuantumUnavailable, "peer advertised falcon-enabled without a public key", nil)
		}
		res.NonPQ = true
		return res, nil
	}

	sigValue, ok := peerParams.FalconHandshakeSignature()
	if !ok {
		if policy == Required {
			return nil, stoqerr.New(stoqerr.PostQuantumUnavailable, "peer advertised falcon-enabled without a handshake signature", nil)
		}
		res.NonPQ = true
		return res, nil
	}

	nonce, _, sig, err := decodeSignatureValue(sigValue)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Protocol, "malformed handshake signature parameter", err)
	}

	msg := signaturePayload(peerPub, localEndpointID, nonce)
	valid, err := falcon.Verify(falcon.PublicKey(peerPub), msg, sig)
	if err != nil {
		return nil, stoqerr.New(stoqerr.PostQuantumAuthFailed, "falcon verification errored", err)
	}
	if !valid {
		if logger != nil {
			logger.Warn("falcon handshake signature did not verify")
		}
		return nil, stoqerr.New(stoqerr.PostQuantumAuthFailed, "falcon handshake signature is invalid", nil)
	}

	res.PeerPQEnabled = true
	res.PeerPublicKey = falcon.PublicKey(peerPub)
	return res, nil
}

func signaturePayload(localPub, peerEndpointID, nonce []byte) []byte {
	var buf bytes.Buffer
	buf.Write(localPub)
	buf.Write(peerEndpointID)
	buf.Write(nonce)
	return buf.Bytes()
}

// encodeSignatureValue packs nonce || key_id (varint) || sig_len (varint)
// || sig into the handshake-signature transport parameter's value.
func encodeSignatureValue(nonce []byte, keyID uint64, sig []byte) []byte {
	var buf bytes.Buffer
	buf.Write(nonce)
	buf.Write(varint.Append(nil, keyID))
	buf.Write(varint.Append(nil, uint64(len(sig))))
	buf.Write(sig)
	return buf.Bytes()
}

func decodeSignatureValue(v []byte) (nonce []byte, keyID uint64, sig []byte, err error) {
	if len(v) < nonceSize {
		return nil, 0, nil, fmt.Errorf("handshake signature value shorter than nonce")
	}
	nonce = v[:nonceSize]
	r := bytes.NewReader(v[nonceSize:])

	keyID, err = varint.Read(r)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("decode key_id: %w", err)
	}
	sigLen, err := varint.Read(r)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("decode sig_len: %w", err)
	}
	sig = make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, 0, nil, fmt.Errorf("decode signature: %w", err)
	}
	return nonce, keyID, sig, nil
}
