package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner handles DKIM signing for outbound messages from one domain/selector.
type DKIMSigner struct {
	domain          string
	selector        string
	algorithm       string // rsa-sha256 (only algorithm currently supported)
	canonicalization string // header/body canonicalization, e.g. "relaxed/relaxed"
	testing         bool    // emit t=s on the DNS record while the key is unproven
	keySize         int
	privateKey      *rsa.PrivateKey
}

// SignerOptions configures a DKIMSigner beyond domain/selector/key path.
type SignerOptions struct {
	Canonicalization string // defaults to "relaxed/relaxed"
	Testing          bool
}

// NewDKIMSigner creates a new DKIM signer for a domain, reading its private
// key (PKCS#1 or PKCS#8, PEM-encoded) from keyPath.
func NewDKIMSigner(domain, selector, keyPath string, opts SignerOptions) (*DKIMSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var privateKey *rsa.PrivateKey

	privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}

	canon := opts.Canonicalization
	if canon == "" {
		canon = "relaxed/relaxed"
	}

	return &DKIMSigner{
		domain:           domain,
		selector:         selector,
		algorithm:        "rsa-sha256",
		canonicalization: canon,
		testing:          opts.Testing,
		keySize:          privateKey.N.BitLen(),
		privateKey:       privateKey,
	}, nil
}

// PublicKey returns the signer's public key, for DNS TXT record rendering.
func (s *DKIMSigner) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// Selector returns the DKIM selector this signer publishes under.
func (s *DKIMSigner) Selector() string {
	return s.selector
}

// Sign adds a DKIM signature to an email message, reading from r and
// writing the signed message (original bytes plus the DKIM-Signature
// header) to w. The private key never leaves this process: only the
// resulting signature bytes are written out.
func (s *DKIMSigner) Sign(w io.Writer, r io.Reader) error {
	options := &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.privateKey,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From",
			"To",
			"Subject",
			"Date",
			"Message-ID",
			"MIME-Version",
		},
	}

	if s.canonicalization != "" {
		parts := strings.SplitN(s.canonicalization, "/", 2)
		options.HeaderCanonicalization = dkim.CanonicalizationRelaxed
		options.BodyCanonicalization = dkim.CanonicalizationRelaxed
		if len(parts) == 2 {
			options.HeaderCanonicalization = dkim.Canonicalization(parts[0])
			options.BodyCanonicalization = dkim.Canonicalization(parts[1])
		}
	}

	return dkim.Sign(w, r, options)
}

// VerifyResult summarizes an inbound DKIM verification pass. Verification
// is advisory only: it is recorded as a security event and never by itself
// causes an inbound message to be rejected.
type VerifyResult struct {
	Domain   string
	Selector string
	Valid    bool
	Err      error
}

// Verify checks the DKIM signatures present on an inbound message.
func Verify(r io.Reader) ([]VerifyResult, error) {
	verifications, err := dkim.Verify(r)
	if err != nil {
		return nil, fmt.Errorf("dkim verify: %w", err)
	}

	results := make([]VerifyResult, 0, len(verifications))
	for _, v := range verifications {
		results = append(results, VerifyResult{
			Domain:   v.Domain,
			Selector: v.Selector,
			Valid:    v.Err == nil,
			Err:      v.Err,
		})
	}
	return results, nil
}

// DKIMSignerPool manages DKIM signers for multiple domains.
type DKIMSignerPool struct {
	signers map[string]*DKIMSigner
}

// NewDKIMSignerPool creates a new pool of DKIM signers.
func NewDKIMSignerPool() *DKIMSignerPool {
	return &DKIMSignerPool{
		signers: make(map[string]*DKIMSigner),
	}
}

// AddSigner adds a DKIM signer for a domain.
func (p *DKIMSignerPool) AddSigner(domain, selector, keyPath string, opts SignerOptions) error {
	signer, err := NewDKIMSigner(domain, selector, keyPath, opts)
	if err != nil {
		return err
	}
	p.signers[strings.ToLower(domain)] = signer
	return nil
}

// GetSigner returns the DKIM signer for a domain.
func (p *DKIMSignerPool) GetSigner(domain string) *DKIMSigner {
	return p.signers[strings.ToLower(domain)]
}

// Sign signs a message using the appropriate domain signer.
func (p *DKIMSignerPool) Sign(domain string, w io.Writer, r io.Reader) error {
	signer := p.GetSigner(domain)
	if signer == nil {
		return fmt.Errorf("no DKIM signer for domain: %s", domain)
	}
	return signer.Sign(w, r)
}

// GenerateDKIMKey generates a new RSA key pair for DKIM signing.
func GenerateDKIMKey(bits int) (*rsa.PrivateKey, error) {
	if bits < 1024 {
		bits = 2048
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// FormatDKIMPublicKey formats the public key for a DNS TXT record. When
// testing is true, a "t=s" flag is included so receivers treat the key as
// unproven (per Open Question: new keys start in testing mode until an
// operator promotes them).
func FormatDKIMPublicKey(key *rsa.PublicKey, testing bool) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}

	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	}

	pemData := pem.EncodeToMemory(block)

	pubStr := string(pemData)
	pubStr = strings.ReplaceAll(pubStr, "-----BEGIN PUBLIC KEY-----", "")
	pubStr = strings.ReplaceAll(pubStr, "-----END PUBLIC KEY-----", "")
	pubStr = strings.ReplaceAll(pubStr, "\n", "")

	if testing {
		return fmt.Sprintf("v=DKIM1; k=rsa; t=s; p=%s", pubStr), nil
	}
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", pubStr), nil
}

// DNSRecords holds the recommended DNS records for a sending domain.
type DNSRecords struct {
	DKIM  string
	SPF   string
	DMARC string
	MX    string
}

// GenerateDNSRecords creates DNS record templates for a domain.
func GenerateDNSRecords(domain, hostname, selector string, dkimPubKey *rsa.PublicKey, testing bool) (*DNSRecords, error) {
	records := &DNSRecords{}

	if dkimPubKey != nil {
		dkimTxt, err := FormatDKIMPublicKey(dkimPubKey, testing)
		if err != nil {
			return nil, err
		}
		records.DKIM = fmt.Sprintf("%s._domainkey.%s TXT \"%s\"", selector, domain, dkimTxt)
	}

	records.SPF = fmt.Sprintf("@ TXT \"v=spf1 mx a:%s -all\"", hostname)
	records.DMARC = fmt.Sprintf("_dmarc.%s TXT \"v=DMARC1; p=quarantine; rua=mailto:postmaster@%s\"", domain, domain)
	records.MX = fmt.Sprintf("@ MX 10 %s", hostname)

	return records, nil
}
