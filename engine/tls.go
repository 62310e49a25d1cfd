package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// SelfSignedTLS creates a matching server and client TLS pair around a
// fresh self-signed certificate valid for hosts (IP literals or DNS names).
// The client trusts only that certificate. It is meant for tests and local
// demos.
func SelfSignedTLS(alpn []string, hosts ...string) (server, client *tls.Config, err error) {
	if len(alpn) == 0 {
		return nil, nil, errors.New("engine: at least one ALPN protocol required")
	}
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1", "::1", "localhost"}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: generate key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: serial number: %w", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("engine: marshal public key: %w", err)
	}
	subjectKeyID := sha256.Sum256(publicKeyBytes)

	notBefore := time.Now().Add(-time.Hour).UTC()
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:20],
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		NextProtos:   append([]string(nil), alpn...),
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		RootCAs:    pool,
		NextProtos: append([]string(nil), alpn...),
		MinVersion: tls.VersionTLS13,
	}
	return server, client, nil
}

// LoadServerTLS reads a PEM certificate chain and key.
func LoadServerTLS(certFile, keyFile string, alpn []string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("engine: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   append([]string(nil), alpn...),
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadClientTLS builds a client config. With caFile empty the system roots
// are used; serverName overrides the name checked against the certificate.
func LoadClientTLS(caFile, serverName string, alpn []string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: serverName,
		NextProtos: append([]string(nil), alpn...),
		MinVersion: tls.VersionTLS13,
	}
	if caFile == "" {
		return conf, nil
	}

	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("engine: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("engine: no certificates in %s", caFile)
	}
	conf.RootCAs = pool
	return conf, nil
}
