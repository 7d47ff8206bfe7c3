package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// CredentialStore abstracts the platform key store. The binding contract is
// "same tag resolves to one identity": a key pair generated under a tag and
// a certificate later bound under the same tag form a single resolvable
// credential. Implementations may sit on top of any secure-storage facility.
type CredentialStore interface {
	// GenerateKeyPair creates a new private key under the given tag and
	// returns a signer for it. The raw key never leaves the store after this
	// call.
	GenerateKeyPair(tag string) (crypto.Signer, error)
	// BindCertificate attaches a DER certificate to the key generated under
	// the same tag.
	BindCertificate(tag string, certDER []byte) error
	// AddTrustedIssuer records a DER issuer certificate as a trusted root
	// for the identity under tag.
	AddTrustedIssuer(tag string, certDER []byte) error
	// ResolveIdentity loads the bound certificate, key and trust chain as
	// one Bundle. Returns ErrIdentityNotFound if the tag has no bound
	// certificate.
	ResolveIdentity(tag string) (*Bundle, error)
}

const (
	keySuffix   = ".key"
	certSuffix  = ".crt"
	trustSuffix = "-trust.pem"
)

// FileStore is a CredentialStore backed by PEM files in a private directory,
// for platforms without a hardware-backed key store. Key files are created
// with 0600 permissions.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates the store directory if needed and returns the store.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "identity", "NewFileStore", "store directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "identity", "NewFileStore", "create store directory")
	}
	if logger == nil {
		logger = slog.Default().With("component", "credential-store")
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// GenerateKeyPair creates an RSA-2048 key under tag, replacing any previous
// key (and invalidating any certificate bound to it).
func (s *FileStore) GenerateKeyPair(tag string) (crypto.Signer, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.WrapFatal(err, "identity", "GenerateKeyPair", "RSA key generation")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.WrapFatal(err, "identity", "GenerateKeyPair", "key encoding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.path(tag, keySuffix), keyPEM, 0o600); err != nil {
		return nil, errors.WrapFatal(err, "identity", "GenerateKeyPair", "write key file")
	}
	// A fresh key orphans whatever certificate was bound before it.
	_ = os.Remove(s.path(tag, certSuffix))

	return key, nil
}

// BindCertificate attaches certDER to the key generated under tag.
func (s *FileStore) BindCertificate(tag string, certDER []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return errors.WrapInvalid(err, "identity", "BindCertificate", "certificate parse")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(tag, keySuffix)); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no key under tag %q", errors.ErrIdentityNotFound, tag),
			"identity", "BindCertificate", "key lookup")
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(s.path(tag, certSuffix), certPEM, 0o600); err != nil {
		return errors.WrapFatal(err, "identity", "BindCertificate", "write certificate file")
	}
	return nil
}

// AddTrustedIssuer appends certDER to the trusted-issuer records for tag.
func (s *FileStore) AddTrustedIssuer(tag string, certDER []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return errors.WrapInvalid(err, "identity", "AddTrustedIssuer", "certificate parse")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(tag, trustSuffix), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.WrapFatal(err, "identity", "AddTrustedIssuer", "open trust file")
	}
	defer func() { _ = f.Close() }()

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if _, err := f.Write(certPEM); err != nil {
		return errors.WrapFatal(err, "identity", "AddTrustedIssuer", "append trust entry")
	}
	return nil
}

// ResolveIdentity loads the certificate, key and trust chain bound under tag.
func (s *FileStore) ResolveIdentity(tag string) (*Bundle, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	certPEM, err := os.ReadFile(s.path(tag, certSuffix))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: tag %q", errors.ErrIdentityNotFound, tag),
			"identity", "ResolveIdentity", "certificate lookup")
	}
	keyPEM, err := os.ReadFile(s.path(tag, keySuffix))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: tag %q has certificate but no key", errors.ErrIdentityNotFound, tag),
			"identity", "ResolveIdentity", "key lookup")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.WrapFatal(err, "identity", "ResolveIdentity", "certificate/key pairing")
	}

	bundle := &Bundle{Certificate: cert, Handle: tag}

	trustPEM, err := os.ReadFile(s.path(tag, trustSuffix))
	if err == nil {
		bundle.TrustChain = parseCertChain(trustPEM)
	}

	return bundle, nil
}

// ImportPKCS12 imports a PKCS#12 container (the usual TAK data-package
// credential format) under tag: key, client certificate and any bundled
// issuers. The passphrase is explicit; fallback passphrase policies belong
// to the caller, not the store.
func (s *FileStore) ImportPKCS12(tag string, p12 []byte, passphrase string) error {
	if err := validateTag(tag); err != nil {
		return err
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(p12, passphrase)
	if err != nil {
		return errors.WrapInvalid(err, "identity", "ImportPKCS12", "container decode")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.WrapFatal(err, "identity", "ImportPKCS12", "key encoding")
	}

	s.mu.Lock()
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.path(tag, keySuffix), keyPEM, 0o600); err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "identity", "ImportPKCS12", "write key file")
	}
	s.mu.Unlock()

	if err := s.BindCertificate(tag, cert.Raw); err != nil {
		return err
	}
	for _, ca := range caCerts {
		if err := s.AddTrustedIssuer(tag, ca.Raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) path(tag, suffix string) string {
	return filepath.Join(s.dir, tag+suffix)
}

func validateTag(tag string) error {
	if tag == "" || tag != filepath.Base(tag) || tag[0] == '.' {
		return errors.WrapInvalid(
			fmt.Errorf("invalid credential tag %q", tag),
			"identity", "validateTag", "tag validation")
	}
	return nil
}

func parseCertChain(pemData []byte) []*x509.Certificate {
	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		chain = append(chain, cert)
	}
	return chain
}
