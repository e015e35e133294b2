// Package keystore implements the STOQ key store (C10): a BadgerHold-
// backed cache of FALCON keypairs keyed by local endpoint identity,
// mirroring the teacher's pkg/storage badgerhold wrapping. It implements
// handshake.KeyProvider so an endpoint advertises the same FALCON public
// key across restarts instead of generating a fresh, unpinned identity
// every run.
package keystore

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/stoq-io/stoq/pkg/falcon"
)

const dirBadger = "db"

var crcTable = crc16.MakeTable(crc16.CCITT)

// record is the on-disk shape of one cached keypair, stored sealed.
type record struct {
	EndpointID    string `badgerhold:"key"`
	PublicKey     []byte
	SealedPrivate []byte
	Variant       string
	CreatedAt     time.Time
	CRC           uint16
}

func sealPayload(r *record) []byte {
	buf := make([]byte, 0, len(r.EndpointID)+len(r.PublicKey)+len(r.SealedPrivate)+len(r.Variant))
	buf = append(buf, []byte(r.EndpointID)...)
	buf = append(buf, r.PublicKey...)
	buf = append(buf, r.SealedPrivate...)
	buf = append(buf, []byte(r.Variant)...)
	return buf
}

func (r *record) checksum() uint16 {
	return crc16.Checksum(sealPayload(r), crcTable)
}

// Store is a persisted cache of FALCON keypairs, one per local endpoint
// identity. It is safe for concurrent use (badgerhold serializes access
// internally, per the teacher's storage.Store).
type Store struct {
	bh     *badgerhold.Store
	dir    string
	seal   []byte // XOR key derived from the passphrase
	logger *log.Entry
}

// Open creates or opens a key store rooted at dir. passphrase derives the
// XOR seal applied to private key bytes at rest; it is not itself stored.
// The directory is created with 0700 permissions and the database files
// inherit badger's own file modes, both narrower than world-readable.
func Open(dir string, passphrase string, logger *log.Entry) (*Store, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	badgerDir := path.Join(dir, dirBadger)
	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	sealKey := sha256.Sum256([]byte(passphrase))

	return &Store{
		bh:     bh,
		dir:    dir,
		seal:   sealKey[:],
		logger: logger,
	}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.bh.Close()
}

func (s *Store) xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ s.seal[i%len(s.seal)]
	}
	return out
}

// ForEndpoint returns a handshake.KeyProvider backed by this store for
// endpointID, generating and persisting a new keypair on first use.
func (s *Store) ForEndpoint(endpointID string) *EndpointKeys {
	return &EndpointKeys{store: s, endpointID: endpointID}
}

// EndpointKeys implements handshake.KeyProvider for one local identity.
type EndpointKeys struct {
	store      *Store
	endpointID string
}

// KeyPair loads the persisted keypair for this identity, generating and
// storing one if none exists yet.
func (e *EndpointKeys) KeyPair() (*falcon.KeyPair, error) {
	s := e.store

	var rec record
	err := s.bh.Get(e.endpointID, &rec)
	switch err {
	case nil:
		return s.unseal(&rec)
	case badgerhold.ErrNotFound:
		return s.generateAndStore(e.endpointID)
	default:
		return nil, err
	}
}

func (s *Store) unseal(rec *record) (*falcon.KeyPair, error) {
	if rec.checksum() != rec.CRC {
		return nil, fmt.Errorf("keystore: checksum mismatch for endpoint %q, record corrupted", rec.EndpointID)
	}

	priv := s.xor(rec.SealedPrivate)
	return &falcon.KeyPair{
		Public:    falcon.PublicKey(rec.PublicKey),
		Private:   falcon.PrivateKey(priv),
		CreatedAt: rec.CreatedAt,
	}, nil
}

func (s *Store) generateAndStore(endpointID string) (*falcon.KeyPair, error) {
	kp, err := falcon.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	rec := record{
		EndpointID:    endpointID,
		PublicKey:     []byte(kp.Public),
		SealedPrivate: s.xor([]byte(kp.Private)),
		Variant:       falcon.Algorithm,
		CreatedAt:     time.Now(),
	}
	rec.CRC = rec.checksum()

	if err := s.bh.Insert(endpointID, &rec); err != nil {
		return nil, err
	}

	s.logger.WithField("endpoint_id", endpointID).Info("generated and cached new falcon keypair")
	return kp, nil
}
