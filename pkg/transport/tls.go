package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	log "github.com/sirupsen/logrus"
)

// nextProto is the ALPN token STOQ endpoints negotiate over QUIC.
const nextProto = "stoq/1"

// selfSignedTLSConfig generates a bare-bones listener TLS configuration
// with a self-signed certificate. STOQ authenticates peers via the FALCON
// handshake extension (C5), not the TLS certificate chain, so a
// self-signed leaf is sufficient; dialers pair it with an
// InsecureSkipVerify config below.
func selfSignedTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.WithError(err).Fatal("transport: failed to generate listener key")
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		log.WithError(err).Fatal("transport: failed to generate listener certificate")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("transport: failed to combine listener certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{nextProto},
		MinVersion:   tls.VersionTLS13,
	}
}

// dialerTLSConfig trusts the listener's self-signed certificate. Peer
// authenticity for STOQ is established by the FALCON handshake extension,
// not by the TLS certificate chain (spec section 4.5 / 4.3).
func dialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{nextProto},
	}
}
