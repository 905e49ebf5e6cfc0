// Package testcerts generates a throwaway PKI for tests exercising QUIC
// flows over the loopback interface.
package testcerts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func generateKeyPair(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
	}
	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	return serialNumber
}

func generateCa(t testing.TB, pkey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "minimux-test-ca",
		},
		SerialNumber:          serial(t),
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
	}
	ca, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
	}
	return ca
}

func generateLeaf(t testing.TB, ca *x509.Certificate, caKP *ecdsa.PrivateKey, cn string) tls.Certificate {
	t.Helper()
	leafKP := generateKeyPair(t)
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serial(t),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf %s: %s", cn, err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse leaf %s: %s", cn, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		Leaf:        leaf,
		PrivateKey:  leafKP,
	}
}

// MutualTLS returns the tls.Config of a worker and of a coordinator
// authenticating each other with certificates signed by the same CA.
func MutualTLS(t testing.TB) (worker *tls.Config, coordinator *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	ca := generateCa(t, caKey)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	worker = &tls.Config{
		Certificates: []tls.Certificate{generateLeaf(t, ca, caKey, "worker")},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		RootCAs:      caPool,
	}
	coordinator = &tls.Config{
		Certificates: []tls.Certificate{generateLeaf(t, ca, caKey, "coordinator")},
		RootCAs:      caPool,
		ServerName:   "localhost",
	}
	return worker, coordinator
}
