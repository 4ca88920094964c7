package hsm

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
)

// KeyType tags a decoded public key
type KeyType string

const (
	KeyTypeRSA KeyType = "RSA"
	KeyTypeECC KeyType = "ECC"
)

// PublicKey is a public key read from the device, PEM encoded
type PublicKey struct {
	Type KeyType
	PEM  []byte
}

// AuthorizedKey renders the key in OpenSSH authorized_keys format.
func (p *PublicKey) AuthorizedKey() ([]byte, error) {
	block, _ := pem.Decode(p.PEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnrecognizedKeyFormat)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert %s key to ssh format: %w", p.Type, err)
	}
	return ssh.MarshalAuthorizedKey(sshKey), nil
}

// publicKeyDecoder is one openssl subcommand able to read a DER public key
type publicKeyDecoder struct {
	keyType    KeyType
	subcommand string
}

// The object store does not expose the key algorithm, so decoders are tried
// in order and the first success decides the type.
var publicKeyDecoders = []publicKeyDecoder{
	{keyType: KeyTypeRSA, subcommand: "rsa"},
	{keyType: KeyTypeECC, subcommand: "ec"},
}

func (s *Session) decodePublicKey(ctx context.Context, derFile string) (*PublicKey, error) {
	for _, dec := range publicKeyDecoders {
		cmd := cmdexec.Command{
			Args: []string{s.tools.OpenSSL, dec.subcommand, "-pubin", "-inform", "der", "-in", derFile},
		}
		res, err := s.run(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		pemBytes := bytes.TrimRight(res.Stdout, "\r\n")
		if !res.Success() || len(pemBytes) == 0 {
			continue
		}
		return &PublicKey{
			Type: dec.keyType,
			PEM:  append(pemBytes, '\n'),
		}, nil
	}
	return nil, fmt.Errorf("%w: could not decode DER public key as any of RSA, ECC", ErrUnrecognizedKeyFormat)
}
