// Package tlsutil builds TLS configurations for the QUIC transport: mutual
// TLS from PEM files in production, an in-memory self-signed pair for tests
// and single-host development.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// NextProto is the ALPN value every config advertises.
const NextProto = "h3"

// Pair is the TLS material of one node, which is both a server (receiving
// envelopes) and a client (sending them).
type Pair struct {
	Server *tls.Config
	Client *tls.Config
}

// Load reads a CA certificate and the node's certificate/key and returns a
// mutual-TLS pair: the server requires client certificates signed by the CA,
// the client presents its certificate and verifies servers against the CA.
func Load(caCertPath, certPath, keyPath string) (*Pair, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load key pair %s: %w", certPath, err)
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to append CA cert %s to pool", caCertPath)
	}
	return &Pair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
			NextProtos:   []string{NextProto},
			MinVersion:   tls.VersionTLS13,
		},
		Client: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			NextProtos:   []string{NextProto},
			MinVersion:   tls.VersionTLS13,
		},
	}, nil
}

// SelfSigned generates a throwaway certificate valid for hosts (DNS names or
// IP addresses; localhost and 127.0.0.1 when empty) and a client config that
// trusts exactly that certificate.
func SelfSigned(hosts ...string) (*Pair, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"collagecommit dev"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	return &Pair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{NextProto},
			MinVersion:   tls.VersionTLS13,
		},
		Client: &tls.Config{
			RootCAs:    pool,
			NextProtos: []string{NextProto},
			MinVersion: tls.VersionTLS13,
		},
	}, nil
}
