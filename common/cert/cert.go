package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"time"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/pkg/errors"
)

const validity = 365 * 24 * time.Hour

// File names written by GenerateBundle.
const (
	CAFile         = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
)

func newTemplate(commonName, orgName, orgUnit string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       []string{orgName},
			OrganizationalUnit: []string{orgUnit},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}, nil
}

func issue(template, parent *x509.Certificate, signer *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate key")
	}
	if parent == nil {
		parent, signer = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse certificate")
	}
	return cert, key, nil
}

// GenerateCA creates a self-signed root CA for orgName.
func GenerateCA(orgName string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	template, err := newTemplate("Root CA", orgName, "ca")
	if err != nil {
		return nil, nil, err
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	return issue(template, nil, nil)
}

// GenerateServerCert issues a certificate for the audit server signed by the
// CA. hosts may mix DNS names and IP addresses.
func GenerateServerCert(commonName string, hosts []string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if caCert == nil || caKey == nil {
		return nil, nil, errors.New("CA certificate and key are required")
	}
	template, err := newTemplate(commonName, caCert.Subject.Organization[0], "audit")
	if err != nil {
		return nil, nil, err
	}
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	return issue(template, caCert, caKey)
}

// GenerateBundle writes a fresh CA and a server certificate for hosts into dir.
func GenerateBundle(dir, orgName string, hosts []string) error {
	if len(hosts) == 0 {
		return errors.New("at least one host is required")
	}
	caCert, caKey, err := GenerateCA(orgName)
	if err != nil {
		return errors.Wrap(err, "failed to generate CA")
	}
	serverCert, serverKey, err := GenerateServerCert(hosts[0], hosts, caCert, caKey)
	if err != nil {
		return errors.Wrap(err, "failed to generate server certificate")
	}
	if err := VerifyCertificateChain(serverCert, caCert); err != nil {
		return err
	}

	if err := WriteCertificate(filepath.Join(dir, CAFile), caCert); err != nil {
		return err
	}
	if err := WriteCertificate(filepath.Join(dir, ServerCertFile), serverCert); err != nil {
		return err
	}
	if err := WritePrivateKey(filepath.Join(dir, ServerKeyFile), serverKey); err != nil {
		return err
	}
	logger.Infof("Wrote TLS bundle for %v to %s", hosts, dir)
	return nil
}
