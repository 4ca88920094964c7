package hsm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
)

// DefaultSubject is used when a request carries no subject
const DefaultSubject = "/CN=Hardware Security Module Example"

// CSRRequest asks for a certificate signing request over a device key
type CSRRequest struct {
	KeyID   int
	Subject string
}

// CertificateRequest asks for a self-signed certificate over a device key
type CertificateRequest struct {
	KeyID         int
	Subject       string
	ValidityDays  int    // defaults to 365
	HashAlgorithm string // openssl digest name, defaults to sha256
}

// CheckEngine verifies that OpenSSL can load the PKCS#11 engine with the
// device module.
func (s *Session) CheckEngine(ctx context.Context) error {
	engine, err := s.engineCommand(false)
	if err != nil {
		return err
	}
	cmd := cmdexec.Command{
		Args:           append([]string{s.tools.OpenSSL}, append(engine, "-t")...),
		CombinedOutput: true,
	}
	return s.runChecked(ctx, "load OpenSSL PKCS#11 engine", ErrSigning, cmd)
}

// GenerateCSR creates a PEM certificate signing request. The signature is
// computed on the device through the OpenSSL engine.
func (s *Session) GenerateCSR(ctx context.Context, req CSRRequest) ([]byte, error) {
	args := []string{
		"req", "-engine", "pkcs11", "-keyform", "engine",
		"-key", "0:" + FormatKeyID(req.KeyID),
		"-new", "-subj", subjectOrDefault(req.Subject),
	}
	return s.signWithEngine(ctx, "generate CSR", args)
}

// GenerateCertificate creates a PEM self-signed certificate, signed on the device.
func (s *Session) GenerateCertificate(ctx context.Context, req CertificateRequest) ([]byte, error) {
	days := req.ValidityDays
	if days <= 0 {
		days = 365
	}
	hash := strings.TrimPrefix(req.HashAlgorithm, "-")
	if hash == "" {
		hash = "sha256"
	}

	args := []string{
		"req", "-engine", "pkcs11", "-keyform", "engine",
		"-key", "0:" + FormatKeyID(req.KeyID),
		"-new", "-x509", "-days", strconv.Itoa(days), "-" + hash,
		"-subj", subjectOrDefault(req.Subject),
	}
	return s.signWithEngine(ctx, "generate self-signed certificate", args)
}

func subjectOrDefault(subject string) string {
	if subject == "" {
		return DefaultSubject
	}
	return subject
}

// engineCommand returns the OpenSSL directive that loads the PKCS#11 engine
// bound to the device module, optionally carrying the session PIN.
func (s *Session) engineCommand(withPIN bool) ([]string, error) {
	module, err := s.resolver.Resolve(s.module)
	if err != nil {
		return nil, err
	}
	engine, err := s.resolver.Resolve(s.engines...)
	if err != nil {
		return nil, err
	}

	args := []string{
		"engine", "dynamic",
		"-pre", "SO_PATH:" + engine.Path,
		"-pre", "ID:pkcs11",
		"-pre", "LIST_ADD:1",
		"-pre", "LOAD",
		"-pre", "MODULE_PATH:" + module.Path,
	}
	if withPIN && s.pin != nil {
		args = append(args, "-pre", "PIN:"+*s.pin)
	}
	return args, nil
}

// signWithEngine pipes a two-line script into openssl: the engine load
// directive followed by request. The result is read back from a scoped
// temp file.
func (s *Session) signWithEngine(ctx context.Context, action string, request []string) ([]byte, error) {
	if err := s.CheckEngine(ctx); err != nil {
		return nil, err
	}

	engine, err := s.engineCommand(true)
	if err != nil {
		return nil, err
	}

	outFile, cleanup, err := scopedTempFile("req_*.pem", nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	request = append(request, "-out", outFile)
	script := cmdexec.Render(engine) + "\n" + cmdexec.Render(request) + "\n"

	if s.verbose {
		s.log.Info("openssl script",
			"engine", cmdexec.Render(cmdexec.Redact(engine)),
			"request", cmdexec.Render(request))
	}

	cmd := cmdexec.Command{
		Args:           []string{s.tools.OpenSSL},
		Stdin:          []byte(script),
		CombinedOutput: true,
	}
	res, err := s.run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	if !res.Success() {
		return nil, s.toolError(ErrSigning, action, cmd, res)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("%s: read result: %w", action, err)
	}
	// interactive openssl can exit 0 after a failed command; OpenSSL 3 has
	// no interactive mode at all and just prints its help
	if len(bytes.TrimSpace(data)) == 0 {
		s.log.Debug("empty signing result", "output", string(cmdexec.RedactOutput(res.Output(), s.secrets()...)))
		return nil, fmt.Errorf("%w: %s: %s wrote no result; its interactive mode may be unavailable (removed in OpenSSL 3), sign in-process with --native instead",
			ErrSigning, action, s.tools.OpenSSL)
	}
	return data, nil
}
