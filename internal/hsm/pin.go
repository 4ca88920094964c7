package hsm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// ChangePIN replaces the user PIN. The current PIN is verified first so a
// rejected credential surfaces as ErrAuthentication.
func (s *Session) ChangePIN(ctx context.Context, newPIN string) error {
	return s.changeCredential(ctx, false, newPIN)
}

// ChangeSOPIN replaces the SO-PIN, authenticating as security officer.
func (s *Session) ChangeSOPIN(ctx context.Context, newSOPIN string) error {
	return s.changeCredential(ctx, true, newSOPIN)
}

func (s *Session) changeCredential(ctx context.Context, asSO bool, newValue string) error {
	what := "PIN"
	if asSO {
		what = "SO-PIN"
	}

	ok, err := s.Login(ctx, asSO)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: current %s was rejected", ErrAuthentication, what)
	}

	args, err := s.pkcs11Args(asSO)
	if err != nil {
		return err
	}
	args = append(args, "--change-pin", "--new-pin", newValue)
	return s.runChecked(ctx, "change "+what, ErrDevice, s.command(args, asSO))
}

// UnblockPIN resets a blocked user PIN using the SO-PIN. The session PIN,
// when present, becomes the new PIN; otherwise pkcs11-tool asks for it.
func (s *Session) UnblockPIN(ctx context.Context) error {
	args, err := s.pkcs11Args(true)
	if err != nil {
		return err
	}
	args = append(args, "--init-pin")
	cmd := s.command(args, true)
	if s.pin != nil {
		cmd.Args = append(cmd.Args, "--new-pin", *s.pin)
	} else {
		cmd.Interactive = true
	}
	return s.runChecked(ctx, "unblock PIN", ErrDevice, cmd)
}

// GeneratePIN returns a uniformly random numeric PIN of the given number of
// digits without a leading zero.
func GeneratePIN(digits int) (string, error) {
	if digits < 2 {
		return "", fmt.Errorf("%w: PIN needs at least 2 digits, got %d", ErrConfiguration, digits)
	}
	lower := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	span := new(big.Int).Mul(lower, big.NewInt(9))

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate PIN: %w", err)
	}
	return n.Add(n, lower).String(), nil
}

// GenerateSOPIN returns a random 16 hex digit SO-PIN.
func GenerateSOPIN() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate SO-PIN: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
