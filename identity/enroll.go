package identity

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

const (
	configPath = "/Marti/api/tls/config"
	signPath   = "/Marti/api/tls/signClient/v2"

	// DefaultEnrollTimeout bounds each HTTP exchange; enrollment must never
	// block indefinitely.
	DefaultEnrollTimeout = 30 * time.Second

	// signVersion is the enrollment protocol version sent to the CA
	signVersion = "2"
)

// oidDomainComponent is the DC attribute used in enrollment DN templates.
var oidDomainComponent = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}

// EnrollmentConfig describes the CA endpoint and the enrolling identity.
type EnrollmentConfig struct {
	// BaseURL of the enrollment server, e.g. https://tak.example.com:8446
	BaseURL string
	// Username and Password authenticate the enrollment exchange (HTTP Basic)
	Username string
	Password string
	// ClientUID is the device uid reported to the signing endpoint
	ClientUID string
	// TrustAll skips server certificate validation during enrollment; usual
	// for first contact with a private CA the device does not yet trust
	TrustAll bool
	// Timeout per HTTP exchange; DefaultEnrollTimeout when zero
	Timeout time.Duration
}

// Validate checks the enrollment configuration.
func (c *EnrollmentConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: base URL is required", errors.ErrMissingConfig),
			"identity.EnrollmentConfig", "Validate", "check base URL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.WrapInvalid(err, "identity.EnrollmentConfig", "Validate", "parse base URL")
	}
	if c.Username == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: username is required", errors.ErrMissingConfig),
			"identity.EnrollmentConfig", "Validate", "check username")
	}
	if c.ClientUID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: client uid is required", errors.ErrMissingConfig),
			"identity.EnrollmentConfig", "Validate", "check client uid")
	}
	return nil
}

// NameEntry is one distinguished-name component from the CA's DN template.
type NameEntry struct {
	Name  string
	Value string
}

// CAParameters is what the CA's configuration endpoint yields: where to
// submit CSRs and the DN template enrolled subjects must carry.
type CAParameters struct {
	SigningURL  string
	NameEntries []NameEntry
	Version     string
}

// Enroller drives the certificate-enrollment protocol: fetch the DN
// template, generate a key pair, submit a CSR, and bind the signed
// certificate plus trust chain into a CredentialStore. Enrollment is a
// multi-step blocking exchange and is expected to run on its own goroutine;
// every step honors the context and the configured timeout.
type Enroller struct {
	cfg        EnrollmentConfig
	store      CredentialStore
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEnroller validates the configuration and returns an enroller bound to
// the given credential store.
func NewEnroller(cfg EnrollmentConfig, store CredentialStore, logger *slog.Logger) (*Enroller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: credential store is required", errors.ErrMissingConfig),
			"identity", "NewEnroller", "check store")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEnrollTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "enroller")
	}

	transport := &http.Transport{}
	if cfg.TrustAll {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 first-contact enrollment
	}
	return &Enroller{
		cfg:   cfg,
		store: store,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
	}, nil
}

// FetchParameters retrieves the CA configuration document and parses the
// nameEntry list into a DN template. HTTP 401 means the supplied credentials
// are wrong and is not retried; server-side failures surface the raw body
// for diagnostics.
func (e *Enroller) FetchParameters(ctx context.Context) (*CAParameters, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+configPath, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "identity", "FetchParameters", "build request")
	}
	req.SetBasicAuth(e.cfg.Username, e.cfg.Password)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "FetchParameters", "config request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "FetchParameters", "read config response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.WrapInvalid(errors.ErrAuthenticationFailed,
			"identity", "FetchParameters", "basic auth")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: status %d: %s", errors.ErrServerError, resp.StatusCode, truncate(body, 512)),
			"identity", "FetchParameters", "config request")
	}

	entries, err := parseNameEntries(body)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v: %s", errors.ErrServerError, err, truncate(body, 512)),
			"identity", "FetchParameters", "config parse")
	}

	return &CAParameters{
		SigningURL:  e.cfg.BaseURL + signPath,
		NameEntries: entries,
		Version:     signVersion,
	}, nil
}

// signResponse is the CA's answer to a CSR submission: the signed client
// certificate and zero or more ca-prefixed trust-chain entries, all PEM.
type signResponse map[string]string

// Enroll performs the full enrollment: key generation under keyTag, CSR
// submission, and credential binding. On success the resolved Bundle is
// returned; on failure no certificate is bound.
func (e *Enroller) Enroll(ctx context.Context, params *CAParameters, keyTag string) (*Bundle, error) {
	if params == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: CA parameters are required", errors.ErrMissingConfig),
			"identity", "Enroll", "check parameters")
	}

	signer, err := e.store.GenerateKeyPair(keyTag)
	if err != nil {
		return nil, err
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: buildSubject(params.NameEntries, e.cfg.Username),
	}, signer)
	if err != nil {
		return nil, errors.WrapFatal(err, "identity", "Enroll", "CSR generation")
	}

	signURL := fmt.Sprintf("%s?clientUid=%s&version=%s",
		params.SigningURL, url.QueryEscape(e.cfg.ClientUID), url.QueryEscape(params.Version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signURL,
		strings.NewReader(base64.StdEncoding.EncodeToString(csrDER)))
	if err != nil {
		return nil, errors.WrapInvalid(err, "identity", "Enroll", "build sign request")
	}
	req.SetBasicAuth(e.cfg.Username, e.cfg.Password)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "Enroll", "sign request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "Enroll", "read sign response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.WrapInvalid(errors.ErrAuthenticationFailed, "identity", "Enroll", "basic auth")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: status %d: %s", errors.ErrServerError, resp.StatusCode, truncate(body, 512)),
			"identity", "Enroll", "sign request")
	}

	var signed signResponse
	if err := json.Unmarshal(body, &signed); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v: %s", errors.ErrServerError, err, truncate(body, 512)),
			"identity", "Enroll", "sign response parse")
	}

	certDER, err := decodePEMCertificate(signed["signedCert"])
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: signedCert: %v", errors.ErrServerError, err),
			"identity", "Enroll", "signed certificate decode")
	}
	if err := e.store.BindCertificate(keyTag, certDER); err != nil {
		return nil, err
	}

	// ca0, ca1, ... in order; a field that fails to decode is skipped with a
	// warning, enrollment already succeeded with the primary certificate
	for _, field := range sortedCAFields(signed) {
		caDER, err := decodePEMCertificate(signed[field])
		if err != nil {
			e.logger.Warn("skipping undecodable trust-chain entry",
				"field", field, "error", err)
			continue
		}
		if err := e.store.AddTrustedIssuer(keyTag, caDER); err != nil {
			return nil, err
		}
	}

	return e.store.ResolveIdentity(keyTag)
}

func buildSubject(entries []NameEntry, username string) pkix.Name {
	subject := pkix.Name{CommonName: username}
	for _, entry := range entries {
		switch entry.Name {
		case "O":
			subject.Organization = append(subject.Organization, entry.Value)
		case "OU":
			subject.OrganizationalUnit = append(subject.OrganizationalUnit, entry.Value)
		case "DC":
			subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
				Type: oidDomainComponent, Value: entry.Value,
			})
		}
	}
	return subject
}

// parseNameEntries scans the configuration XML for nameEntry elements,
// tolerating whatever wrapper elements and namespaces the server emits.
func parseNameEntries(body []byte) ([]NameEntry, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(body)))
	var entries []NameEntry
	sawRoot := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		if start.Name.Local != "nameEntry" {
			continue
		}
		var entry NameEntry
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "name":
				entry.Name = attr.Value
			case "value":
				entry.Value = attr.Value
			}
		}
		if entry.Name != "" {
			entries = append(entries, entry)
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("no XML content in configuration response")
	}
	return entries, nil
}

// sortedCAFields orders the ca-prefixed response fields by their numeric
// suffix, so ca2 precedes ca10 and long chains keep issuer order.
func sortedCAFields(signed signResponse) []string {
	var fields []string
	for field := range signed {
		if strings.HasPrefix(field, "ca") {
			fields = append(fields, field)
		}
	}
	sort.Slice(fields, func(i, j int) bool {
		ni, iErr := strconv.Atoi(fields[i][2:])
		nj, jErr := strconv.Atoi(fields[j][2:])
		if iErr != nil || jErr != nil {
			return fields[i] < fields[j]
		}
		return ni < nj
	})
	return fields
}

func decodePEMCertificate(pemText string) ([]byte, error) {
	if pemText == "" {
		return nil, fmt.Errorf("empty certificate field")
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("not a PEM certificate")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("certificate parse: %w", err)
	}
	return block.Bytes, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
