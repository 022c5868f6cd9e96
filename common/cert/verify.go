package cert

import (
	"crypto/x509"

	"github.com/pkg/errors"
)

// VerifyCertificateChain checks that cert was issued by the root caCert.
func VerifyCertificateChain(cert *x509.Certificate, caCert *x509.Certificate) error {
	if caCert.CheckSignatureFrom(caCert) != nil {
		return errors.New("CA certificate is not a root CA (not self-signed)")
	}
	if !caCert.IsCA {
		return errors.New("CA certificate is not marked as CA")
	}
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		return errors.Wrap(err, "certificate is not signed by the CA")
	}
	return nil
}
