// Package tlsutil builds client TLS configurations for device channels.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"github.com/c360/rtnm/errors"
)

// ClientConfig creates a tls.Config that trusts the CA bundle in caFile.
// serverNameOverride, when non-empty, replaces the dialled host for
// certificate matching; router certificates are commonly issued for a fixed
// management name (e.g. ems.cisco.com) rather than the address dialled.
func ClientConfig(caFile, serverNameOverride string) (*tls.Config, error) {
	// Start with the system pool so device CAs are additional trust, not a
	// replacement
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "ClientConfig",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "ClientConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if serverNameOverride != "" {
		tlsConfig.ServerName = serverNameOverride
	}

	return tlsConfig, nil
}

// TransportCredentials wraps ClientConfig for gRPC channel construction
func TransportCredentials(caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	tlsConfig, err := ClientConfig(caFile, serverNameOverride)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsConfig), nil
}
