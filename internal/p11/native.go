package p11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ThalesGroup/crypto11"
)

// ErrKeyNotFound is returned when no key pair carries the requested CKA_ID
var ErrKeyNotFound = errors.New("key pair not found on token")

// SignerConfig selects a token and a key pair on it
type SignerConfig struct {
	ModulePath string
	TokenLabel string // empty selects SlotNumber
	SlotNumber int
	PIN        string
	KeyID      []byte
}

// Signer signs with a device-resident private key. The key material never
// leaves the token.
type Signer struct {
	ctx    *crypto11.Context
	signer crypto.Signer
}

// OpenSigner logs in to the token and finds the key pair by CKA_ID.
func OpenSigner(cfg SignerConfig) (*Signer, error) {
	// 1. Configure crypto11
	c11Config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}
	if cfg.TokenLabel != "" {
		c11Config.TokenLabel = cfg.TokenLabel
	} else {
		slot := cfg.SlotNumber
		c11Config.SlotNumber = &slot
	}

	// 2. Initialize context
	ctx, err := crypto11.Configure(c11Config)
	if err != nil {
		return nil, fmt.Errorf("failed to configure crypto11: %w", err)
	}

	// 3. Find the key pair
	signer, err := ctx.FindKeyPair(cfg.KeyID, nil)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("find key pair %x: %w", cfg.KeyID, err)
	}
	if signer == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: id %x", ErrKeyNotFound, cfg.KeyID)
	}

	return &Signer{ctx: ctx, signer: signer}, nil
}

// Close closes the PKCS#11 session
func (s *Signer) Close() error {
	if s.ctx != nil {
		return s.ctx.Close()
	}
	return nil
}

// CreateCSR builds a PEM certificate signing request for subject.
func (s *Signer) CreateCSR(subject, hash string) ([]byte, error) {
	return CreateCSR(s.signer, subject, hash)
}

// CreateCertificate builds a PEM self-signed certificate for subject.
func (s *Signer) CreateCertificate(subject string, validityDays int, hash string) ([]byte, error) {
	return CreateCertificate(s.signer, subject, validityDays, hash, time.Now())
}

// CreateCSR signs a certificate request with any crypto.Signer.
func CreateCSR(signer crypto.Signer, subject, hash string) ([]byte, error) {
	name, err := ParseSubject(subject)
	if err != nil {
		return nil, err
	}
	alg, err := SignatureAlgorithm(signer.Public(), hash)
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            name,
		SignatureAlgorithm: alg,
	}, signer)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// CreateCertificate self-signs a CA certificate valid from now for
// validityDays, as "openssl req -x509" does.
func CreateCertificate(signer crypto.Signer, subject string, validityDays int, hash string, now time.Time) ([]byte, error) {
	if validityDays <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d days", validityDays)
	}
	name, err := ParseSubject(subject)
	if err != nil {
		return nil, err
	}
	alg, err := SignatureAlgorithm(signer.Public(), hash)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		SignatureAlgorithm:    alg,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// SignatureAlgorithm maps an OpenSSL digest name to the x509 signature
// algorithm for the key type.
func SignatureAlgorithm(pub crypto.PublicKey, hash string) (x509.SignatureAlgorithm, error) {
	hash = strings.ToLower(strings.TrimPrefix(hash, "-"))
	if hash == "" {
		hash = "sha256"
	}

	var table map[string]x509.SignatureAlgorithm
	switch pub.(type) {
	case *rsa.PublicKey:
		table = map[string]x509.SignatureAlgorithm{
			"sha1":   x509.SHA1WithRSA,
			"sha256": x509.SHA256WithRSA,
			"sha384": x509.SHA384WithRSA,
			"sha512": x509.SHA512WithRSA,
		}
	case *ecdsa.PublicKey:
		table = map[string]x509.SignatureAlgorithm{
			"sha1":   x509.ECDSAWithSHA1,
			"sha256": x509.ECDSAWithSHA256,
			"sha384": x509.ECDSAWithSHA384,
			"sha512": x509.ECDSAWithSHA512,
		}
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported public key type %T", pub)
	}

	alg, ok := table[hash]
	if !ok {
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported hash function %q", hash)
	}
	return alg, nil
}
