// Package identity manages the client's cryptographic identity: credential
// storage, TLS configuration for mutually-authenticated connections, and the
// certificate-enrollment exchange against a tactical CA.
package identity

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// Bundle is the identity material for one mutual-TLS client: the client
// certificate with its private key, the ordered issuer chain, and the opaque
// handle it was resolved from. A Bundle is immutable once attached to a
// connection.
type Bundle struct {
	Certificate tls.Certificate
	TrustChain  []*x509.Certificate
	Handle      string
}

// ClientTLSConfig builds a client tls.Config. The bundle, when present,
// supplies the client certificate for mutual authentication and its trust
// chain is added to the verification roots. allowSelfSigned disables chain
// validation entirely, the usual policy for closed tactical deployments with
// private CAs the OS does not know; otherwise the system pool plus
// extraRootsPEM and the bundle chain are used.
func ClientTLSConfig(bundle *Bundle, allowSelfSigned bool, extraRootsPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if bundle != nil {
		cfg.Certificates = []tls.Certificate{bundle.Certificate}
	}

	if allowSelfSigned {
		// Deliberate operator policy, mirrored from endpoint config.
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if len(extraRootsPEM) > 0 {
		if !rootCAs.AppendCertsFromPEM(extraRootsPEM) {
			return nil, errors.WrapInvalid(
				errors.New("invalid PEM data"),
				"identity", "ClientTLSConfig", "parse extra root certificates")
		}
	}
	if bundle != nil {
		for _, issuer := range bundle.TrustChain {
			rootCAs.AddCert(issuer)
		}
	}
	cfg.RootCAs = rootCAs

	return cfg, nil
}
