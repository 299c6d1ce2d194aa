package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// CertIssuer issues a leaf certificate for host, signed by whatever CA
// the implementation holds. The core never installs into the OS trust
// store; callers are expected to trust the issuer's CA out of band.
type CertIssuer interface {
	IssueLeaf(host string) (tls.Certificate, error)
	CACertPEM() []byte
}

// defaultCertIssuer is the ambient default CertIssuer: a locally
// generated RSA-2048 CA with 10-year validity, matching §6's "MITM CA"
// contract. No suitable third-party CA-issuance library is represented
// anywhere in the example corpus, so this is built on crypto/x509 and
// crypto/rsa directly (see DESIGN.md).
type defaultCertIssuer struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caDER  []byte
}

// NewSelfSignedCA generates a fresh CA keypair in memory, so the MITM
// engine is runnable end-to-end without an external CA collaborator. This
// package has no loader for a CA persisted on disk; a caller that has one
// supplies its own CertIssuer.
func NewSelfSignedCA(commonName string) (CertIssuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generating CA key")
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, errors.Wrap(err, "generating CA serial")
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"netshark-go"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "creating CA certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing generated CA certificate")
	}

	return &defaultCertIssuer{caCert: cert, caKey: key, caDER: der}, nil
}

// IssueLeaf issues a short-lived leaf certificate for host, signed by
// the CA, so the proxy can terminate TLS for that authority.
func (c *defaultCertIssuer) IssueLeaf(host string) (tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "generating leaf key")
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "generating leaf serial")
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.caCert, &leafKey.PublicKey, c.caKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "creating leaf certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{der, c.caDER},
		PrivateKey:  leafKey,
	}, nil
}

// CACertPEM PEM-encodes the CA certificate for callers that want to
// offer it for out-of-band trust (e.g. writing it to disk for a user to
// import manually). The core never installs it into the OS trust store.
func (c *defaultCertIssuer) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.caDER})
}
