package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

type testCA struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Tactical CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{key: key, cert: cert}
}

func (ca *testCA) sign(t *testing.T, csr *x509.CertificateRequest) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	require.NoError(t, err)
	return der
}

func pemEncode(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

const configXML = `<?xml version="1.0" encoding="UTF-8"?>
<certificateConfig>
  <nameEntries>
    <nameEntry name="O" value="Acme"/>
    <nameEntry name="OU" value="Ops"/>
  </nameEntries>
</certificateConfig>`

// newEnrollmentServer emulates the CA endpoints: config document plus CSR
// signing, both behind HTTP basic auth.
func newEnrollmentServer(t *testing.T, ca *testCA) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Marti/api/tls/config", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "operator" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(configXML))
	})
	mux.HandleFunc("/Marti/api/tls/signClient/v2", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "operator" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "device-uid-1", r.URL.Query().Get("clientUid"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		csrDER, err := base64.StdEncoding.DecodeString(string(body))
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(csrDER)
		require.NoError(t, err)
		require.NoError(t, csr.CheckSignature())

		resp := map[string]string{
			"signedCert": pemEncode(ca.sign(t, csr)),
			"ca0":        pemEncode(ca.cert.Raw),
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	return httptest.NewServer(mux)
}

func testEnrollConfig(baseURL string) EnrollmentConfig {
	return EnrollmentConfig{
		BaseURL:   baseURL,
		Username:  "operator",
		Password:  "hunter2",
		ClientUID: "device-uid-1",
	}
}

func TestEnrollEndToEnd(t *testing.T) {
	ca := newTestCA(t)
	server := newEnrollmentServer(t, ca)
	defer server.Close()

	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	enroller, err := NewEnroller(testEnrollConfig(server.URL), store, slog.Default())
	require.NoError(t, err)

	params, err := enroller.FetchParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []NameEntry{{Name: "O", Value: "Acme"}, {Name: "OU", Value: "Ops"}},
		params.NameEntries)
	assert.Equal(t, server.URL+"/Marti/api/tls/signClient/v2", params.SigningURL)

	bundle, err := enroller.Enroll(context.Background(), params, "server1")
	require.NoError(t, err)
	require.Len(t, bundle.Certificate.Certificate, 1)

	leaf, err := x509.ParseCertificate(bundle.Certificate.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "operator", leaf.Subject.CommonName)
	assert.Equal(t, []string{"Acme"}, leaf.Subject.Organization)
	assert.Equal(t, []string{"Ops"}, leaf.Subject.OrganizationalUnit)

	require.Len(t, bundle.TrustChain, 1)
	assert.Equal(t, "Test Tactical CA", bundle.TrustChain[0].Subject.CommonName)

	// The stored identity resolves again without re-enrolling.
	resolved, err := store.ResolveIdentity("server1")
	require.NoError(t, err)
	assert.Equal(t, bundle.Certificate.Certificate, resolved.Certificate.Certificate)
}

func TestEnrollBadCredentials(t *testing.T) {
	ca := newTestCA(t)
	server := newEnrollmentServer(t, ca)
	defer server.Close()

	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	cfg := testEnrollConfig(server.URL)
	cfg.Password = "wrong"
	enroller, err := NewEnroller(cfg, store, slog.Default())
	require.NoError(t, err)

	_, err = enroller.FetchParameters(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	assert.True(t, errors.IsInvalid(err), "bad credentials are not retryable")

	// The signing endpoint rejects the same way; no certificate gets bound.
	params := &CAParameters{SigningURL: server.URL + "/Marti/api/tls/signClient/v2", Version: "2"}
	_, err = enroller.Enroll(context.Background(), params, "server1")
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)

	_, err = store.ResolveIdentity("server1")
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestEnrollServerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database offline", http.StatusInternalServerError)
	}))
	defer server.Close()

	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	enroller, err := NewEnroller(testEnrollConfig(server.URL), store, slog.Default())
	require.NoError(t, err)

	_, err = enroller.FetchParameters(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrServerError)
	assert.True(t, errors.IsTransient(err), "server failures are retryable")
	assert.Contains(t, err.Error(), "database offline")
}

func TestEnrollSkipsUndecodableTrustEntry(t *testing.T) {
	ca := newTestCA(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/Marti/api/tls/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(configXML))
	})
	mux.HandleFunc("/Marti/api/tls/signClient/v2", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		csrDER, err := base64.StdEncoding.DecodeString(string(body))
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(csrDER)
		require.NoError(t, err)
		resp := map[string]string{
			"signedCert": pemEncode(ca.sign(t, csr)),
			"ca0":        "not a certificate",
			"ca1":        pemEncode(ca.cert.Raw),
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	enroller, err := NewEnroller(testEnrollConfig(server.URL), store, slog.Default())
	require.NoError(t, err)

	params, err := enroller.FetchParameters(context.Background())
	require.NoError(t, err)
	bundle, err := enroller.Enroll(context.Background(), params, "server1")
	require.NoError(t, err)

	// ca0 was garbage; enrollment still succeeds with the decodable entry.
	require.Len(t, bundle.TrustChain, 1)
	assert.Equal(t, "Test Tactical CA", bundle.TrustChain[0].Subject.CommonName)
}

func TestSortedCAFieldsNumericOrder(t *testing.T) {
	signed := signResponse{"signedCert": "x"}
	for _, field := range []string{"ca10", "ca2", "ca0", "ca11", "ca1"} {
		signed[field] = "x"
	}
	assert.Equal(t, []string{"ca0", "ca1", "ca2", "ca10", "ca11"}, sortedCAFields(signed))
}

func TestEnrollmentConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EnrollmentConfig)
	}{
		{"missing base URL", func(c *EnrollmentConfig) { c.BaseURL = "" }},
		{"missing username", func(c *EnrollmentConfig) { c.Username = "" }},
		{"missing client uid", func(c *EnrollmentConfig) { c.ClientUID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testEnrollConfig("https://tak.example.com:8446")
			tc.mutate(&cfg)
			_, err := NewEnroller(cfg, &FileStore{dir: t.TempDir()}, nil)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
