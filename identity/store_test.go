package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// selfSign issues a certificate for the given public key, signed by the
// key itself when issuer is nil.
func selfSign(t *testing.T, signerKey *rsa.PrivateKey, pub any, cn string) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(10),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, signerKey)
	require.NoError(t, err)
	return der
}

func TestFileStoreGenerateBindResolve(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	signer, err := store.GenerateKeyPair("alpha")
	require.NoError(t, err)

	key, ok := signer.(*rsa.PrivateKey)
	require.True(t, ok, "file store issues RSA keys")

	certDER := selfSign(t, key, &key.PublicKey, "alpha-device")
	require.NoError(t, store.BindCertificate("alpha", certDER))

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caDER := selfSign(t, caKey, &caKey.PublicKey, "unit-ca")
	require.NoError(t, store.AddTrustedIssuer("alpha", caDER))

	bundle, err := store.ResolveIdentity("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", bundle.Handle)
	require.Len(t, bundle.Certificate.Certificate, 1)
	assert.Equal(t, certDER, bundle.Certificate.Certificate[0])
	require.Len(t, bundle.TrustChain, 1)
	assert.Equal(t, "unit-ca", bundle.TrustChain[0].Subject.CommonName)
}

func TestFileStoreResolveUnknownTag(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.ResolveIdentity("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestFileStoreBindWithoutKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	certDER := selfSign(t, key, &key.PublicKey, "orphan")

	err = store.BindCertificate("orphan", certDER)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestFileStoreRegenerateOrphansCertificate(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	signer, err := store.GenerateKeyPair("alpha")
	require.NoError(t, err)
	key := signer.(*rsa.PrivateKey)
	require.NoError(t, store.BindCertificate("alpha", selfSign(t, key, &key.PublicKey, "v1")))

	// Fresh key pair invalidates the certificate bound to the old one.
	_, err = store.GenerateKeyPair("alpha")
	require.NoError(t, err)

	_, err = store.ResolveIdentity("alpha")
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestFileStoreKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	_, err = store.GenerateKeyPair("alpha")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "alpha.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreRejectsPathTraversalTags(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	for _, tag := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := store.GenerateKeyPair(tag)
		require.Error(t, err, "tag %q", tag)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestFileStoreImportPKCS12(t *testing.T) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(selfSign(t, caKey, &caKey.PublicKey, "package-ca"))
	require.NoError(t, err)

	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clientDER, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: big.NewInt(11),
		Subject:      pkix.Name{CommonName: "bravo-device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, caCert, &clientKey.PublicKey, caKey)
	require.NoError(t, err)
	clientCert, err := x509.ParseCertificate(clientDER)
	require.NoError(t, err)

	p12, err := pkcs12.Modern.Encode(clientKey, clientCert,
		[]*x509.Certificate{caCert}, "atakatak")
	require.NoError(t, err)

	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	err = store.ImportPKCS12("bravo", p12, "wrong-passphrase")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	_, err = store.ResolveIdentity("bravo")
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound, "failed import binds nothing")

	require.NoError(t, store.ImportPKCS12("bravo", p12, "atakatak"))

	bundle, err := store.ResolveIdentity("bravo")
	require.NoError(t, err)
	require.Len(t, bundle.Certificate.Certificate, 1)
	assert.Equal(t, clientDER, bundle.Certificate.Certificate[0])
	require.Len(t, bundle.TrustChain, 1)
	assert.Equal(t, "package-ca", bundle.TrustChain[0].Subject.CommonName)
}

func TestClientTLSConfig(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	certDER := selfSign(t, key, &key.PublicKey, "device")
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	bundle := &Bundle{
		Certificate: tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key},
		TrustChain:  []*x509.Certificate{cert},
		Handle:      "device",
	}

	t.Run("self-signed policy skips verification", func(t *testing.T) {
		cfg, err := ClientTLSConfig(bundle, true, nil)
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("strict policy builds root pool", func(t *testing.T) {
		cfg, err := ClientTLSConfig(bundle, false, nil)
		require.NoError(t, err)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.NotNil(t, cfg.RootCAs)
	})

	t.Run("invalid extra roots rejected", func(t *testing.T) {
		_, err := ClientTLSConfig(nil, false, []byte("garbage"))
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
}
