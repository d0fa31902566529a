package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Generated lists the files written by Generate.
type Generated struct {
	Server Config
	Client Config
}

// Generate writes a CA and one server and one client pair into dir. The
// server certificate is valid for hosts, which may be names or IPs.
func Generate(dir string, hosts []string, validFor time.Duration) (Generated, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return Generated{}, err
	}
	path := func(name string) string { return filepath.Join(dir, name) }

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Generated{}, err
	}
	caCert, err := createCACertificate(caKey, validFor)
	if err != nil {
		return Generated{}, err
	}
	if err := saveCert(path("ca.crt"), caCert); err != nil {
		return Generated{}, err
	}
	if err := saveKey(path("ca.key"), caKey); err != nil {
		return Generated{}, err
	}

	for _, side := range []struct {
		name     string
		isServer bool
	}{{"server", true}, {"client", false}} {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return Generated{}, err
		}
		names := []string{"client"}
		if side.isServer {
			names = hosts
		}
		cert, err := createSignedCertificate(key, names, caCert, caKey, side.isServer, validFor)
		if err != nil {
			return Generated{}, err
		}
		if err := saveCert(path(side.name+".crt"), cert); err != nil {
			return Generated{}, err
		}
		if err := saveKey(path(side.name+".key"), key); err != nil {
			return Generated{}, err
		}
	}

	return Generated{
		Server: Config{CAFile: path("ca.crt"), CertFile: path("server.crt"), KeyFile: path("server.key")},
		Client: Config{CAFile: path("ca.crt"), CertFile: path("client.crt"), KeyFile: path("client.key")},
	}, nil
}

func createCACertificate(privateKey *ecdsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojowal development CA"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}

// createSignedCertificate creates a server or client cert signed by the CA.
func createSignedCertificate(
	privateKey *ecdsa.PrivateKey,
	names []string,
	caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey,
	isServer bool,
	validFor time.Duration,
) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	if len(names) > 0 {
		template.Subject = pkix.Name{CommonName: names[0]}
	}
	// SANs (must be set or Go rejects certs)
	for _, n := range names {
		if ip := net.ParseIP(n); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, n)
		}
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certBytes)
}

func saveCert(filename string, cert *x509.Certificate) error {
	certOut, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(filename string, key *ecdsa.PrivateKey) error {
	keyOut, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
