package hsm

import (
	"context"
	"fmt"
	"os"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
)

// Keygen generates a key pair on the device under the regular PIN.
func (s *Session) Keygen(ctx context.Context, spec KeySpec, id int, label *string) error {
	args, err := s.pkcs11Args(false)
	if err != nil {
		return err
	}
	args = append(args, "--keypairgen", "--key-type", spec.String(), "--id", FormatKeyID(id))
	if label != nil {
		args = append(args, "--label", *label)
	}
	return s.runChecked(ctx, fmt.Sprintf("generate %s key pair", spec), ErrDevice, s.command(args, false))
}

// GetPublicKey reads the public key object matching sel and decodes it.
func (s *Session) GetPublicKey(ctx context.Context, sel KeySelector) (*PublicKey, error) {
	args, err := s.pkcs11Args(false)
	if err != nil {
		return nil, err
	}

	derFile, cleanup, err := scopedTempFile("pubkey_*.der", nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args = append(args, sel.args()...)
	args = append(args, "--read-object", "--type", "pubkey", "--output-file", derFile)

	action := fmt.Sprintf("read public key %s", sel)
	if err := s.runChecked(ctx, action, ErrDevice, s.command(args, false)); err != nil {
		return nil, err
	}

	return s.decodePublicKey(ctx, derFile)
}

// RemoveKey deletes the private key object matching sel.
func (s *Session) RemoveKey(ctx context.Context, sel KeySelector) error {
	args, err := s.pkcs11Args(false)
	if err != nil {
		return err
	}
	args = append(args, sel.args()...)
	args = append(args, "--delete-object", "--type", "privkey")
	return s.runChecked(ctx, fmt.Sprintf("remove private key %s", sel), ErrDevice, s.command(args, false))
}

// PutCertificate stores a DER-encoded certificate on the device.
func (s *Session) PutCertificate(ctx context.Context, der []byte, id int, label *string) error {
	args, err := s.pkcs11Args(false)
	if err != nil {
		return err
	}

	crtFile, cleanup, err := scopedTempFile("crt_*.der", der)
	if err != nil {
		return err
	}
	defer cleanup()

	args = append(args, "--write-object", crtFile, "--type", "cert", "--id", FormatKeyID(id))
	if label != nil {
		args = append(args, "--label", *label)
	}
	return s.runChecked(ctx, fmt.Sprintf("write certificate id %s", FormatKeyID(id)), ErrDevice, s.command(args, false))
}

// CertificateToDER converts a PEM certificate file to DER through openssl.
func (s *Session) CertificateToDER(ctx context.Context, pemFile string) ([]byte, error) {
	cmd := cmdexec.Command{Args: []string{s.tools.OpenSSL, "x509", "-outform", "der", "-in", pemFile}}
	res, err := s.run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("convert certificate: %w", err)
	}
	if !res.Success() {
		return nil, s.toolError(ErrDevice, "convert certificate "+pemFile+" to DER", cmd, res)
	}
	return res.Stdout, nil
}

// scopedTempFile creates a private temp file holding data. The returned
// cleanup removes it and must be deferred by the caller.
func scopedTempFile(pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	cleanup := func() { _ = os.Remove(name) }

	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			f.Close()
			cleanup()
			return "", func() {}, fmt.Errorf("write temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return name, cleanup, nil
}
