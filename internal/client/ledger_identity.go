package client

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hyperledger/fabric-gateway/pkg/identity"
)

// LoadIdentity reads the signing identity from an MSP directory laid out as
// signcerts/<cert.pem> and keystore/<key>. The first file of each directory
// is used.
func LoadIdentity(mspRoot, mspID string) (*identity.X509Identity, identity.Sign, error) {
	if mspRoot == "" {
		return nil, nil, fmt.Errorf("msp root is not configured")
	}

	certPEM, err := readFirstFile(filepath.Join(mspRoot, "signcerts"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read signing certificate: %w", err)
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse signing certificate: %w", err)
	}
	id, err := identity.NewX509Identity(mspID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build identity: %w", err)
	}

	keyPEM, err := readFirstFile(filepath.Join(mspRoot, "keystore"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build signer: %w", err)
	}

	return id, sign, nil
}

// loadTLSRoots reads the peer TLS CA certificate into a pool.
func loadTLSRoots(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer tls certificate: %w", err)
	}
	cert, err := identity.CertificateFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer tls certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

func readFirstFile(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no files in %s", dir)
	}
	sort.Strings(names)
	return os.ReadFile(filepath.Join(dir, names[0]))
}
