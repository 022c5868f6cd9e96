package cert

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func WriteCertificate(path string, cert *x509.Certificate) error {
	return writePEM(path, "CERTIFICATE", cert.Raw, 0644)
}

// WritePrivateKey stores key as PKCS#8, readable by the owner only.
func WritePrivateKey(path string, key crypto.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	return writePEM(path, "PRIVATE KEY", der, 0600)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("failed to decode PEM block from %s", path)
	}
	return block, nil
}

func LoadCertificate(path string) (*x509.Certificate, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse certificate %s", path)
	}
	return cert, nil
}

// LoadPrivateKey accepts PKCS#8, PKCS#1 and SEC 1 keys.
func LoadPrivateKey(path string) (crypto.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.Errorf("failed to parse private key %s", path)
}

// LoadKeyPair loads a certificate and its key for a TLS listener.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "failed to load key pair %s", certFile)
	}
	return pair, nil
}

// LoadCertPool builds a pool trusting the CA certificate at path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	ca, err := LoadCertificate(path)
	if err != nil {
		return nil, err
	}
	if !ca.IsCA {
		return nil, errors.Errorf("%s is not a CA certificate", path)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return pool, nil
}
