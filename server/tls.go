package server

import (
	"crypto/tls"

	"github.com/ddr4869/organchain/common/cert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServerTLS returns the option that makes the audit server require TLS.
func ServerTLS(certFile, keyFile string) (grpc.ServerOption, error) {
	pair, err := cert.LoadKeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	})), nil
}

// ClientTLS returns the dial option trusting only the CA at caFile. An empty
// serverName checks the certificate against the dialed host.
func ClientTLS(caFile, serverName string) (grpc.DialOption, error) {
	pool, err := cert.LoadCertPool(caFile)
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	})), nil
}
