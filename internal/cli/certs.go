package cli

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/titaev-lv/hsmwiz/internal/hsm"
	"github.com/titaev-lv/hsmwiz/internal/p11"
)

// signingFlags are shared by gencsr and gencrt
type signingFlags struct {
	subject    string
	keyID      int
	outFile    string
	native     bool
	slot       int
	tokenLabel string
}

func (f *signingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.subject, "subject", "s", hsm.DefaultSubject, "subject in OpenSSL /K=V form")
	cmd.Flags().IntVarP(&f.keyID, "id", "i", 1, "id of the signing key pair")
	cmd.Flags().StringVarP(&f.outFile, "out", "o", "", "write the PEM result to this file instead of stdout")
	cmd.Flags().BoolVar(&f.native, "native", false, "sign in-process through PKCS#11 instead of the OpenSSL engine")
	cmd.Flags().IntVar(&f.slot, "slot", 0, "PKCS#11 slot holding the key (--native only)")
	cmd.Flags().StringVar(&f.tokenLabel, "token-label", "", "select the token by label instead of --slot (--native only)")
	cmd.MarkFlagsMutuallyExclusive("slot", "token-label")
	cmd.Flags().String("pin", "", "PIN; asked for interactively when omitted")
}

// writeOutput writes PEM data to the --out file or stdout
func (a *app) writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := a.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(a.stderr, "Wrote %s\n", path)
	return nil
}

// nativeSign opens the device key through crypto11 and runs fn with it
func (a *app) nativeSign(m hsm.Manager, pin string, f *signingFlags, fn func(nativeSigner) ([]byte, error)) ([]byte, error) {
	if f.slot < 0 {
		return nil, fmt.Errorf("%w: --slot must not be negative", hsm.ErrConfiguration)
	}
	module, err := m.PKCS11Module()
	if err != nil {
		return nil, err
	}
	id, err := hex.DecodeString(hsm.FormatKeyID(f.keyID))
	if err != nil {
		return nil, err
	}

	signer, err := a.openSigner(p11.SignerConfig{
		ModulePath: module.Path,
		TokenLabel: f.tokenLabel,
		SlotNumber: f.slot,
		PIN:        pin,
		KeyID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hsm.ErrSigning, err)
	}
	defer signer.Close()

	out, err := fn(signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hsm.ErrSigning, err)
	}
	return out, nil
}

func newGenCSRCmd(a *app) *cobra.Command {
	var f signingFlags

	cmd := &cobra.Command{
		Use:   "gencsr",
		Short: "Create a certificate signing request with a key on the HSM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pin, _, err := a.requireCredential(cmd, "pin", envPIN, "PIN: ")
			if err != nil {
				return err
			}

			return a.withSession(cmd.Context(), "gencsr", credentials{pin: &pin}, nil, func(m hsm.Manager) error {
				var out []byte
				if f.native {
					out, err = a.nativeSign(m, pin, &f, func(s nativeSigner) ([]byte, error) {
						return s.CreateCSR(f.subject, "sha256")
					})
				} else {
					out, err = m.GenerateCSR(cmd.Context(), hsm.CSRRequest{KeyID: f.keyID, Subject: f.subject})
				}
				if err != nil {
					return err
				}
				return a.writeOutput(f.outFile, out)
			})
		},
	}

	f.register(cmd)
	return cmd
}

func newGenCRTCmd(a *app) *cobra.Command {
	var (
		f            signingFlags
		validityDays int
		hashFunc     string
	)

	cmd := &cobra.Command{
		Use:   "gencrt",
		Short: "Create a self-signed certificate with a key on the HSM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if validityDays <= 0 {
				return fmt.Errorf("%w: --validity-days must be positive", hsm.ErrConfiguration)
			}
			pin, _, err := a.requireCredential(cmd, "pin", envPIN, "PIN: ")
			if err != nil {
				return err
			}

			return a.withSession(cmd.Context(), "gencrt", credentials{pin: &pin}, nil, func(m hsm.Manager) error {
				var out []byte
				if f.native {
					out, err = a.nativeSign(m, pin, &f, func(s nativeSigner) ([]byte, error) {
						return s.CreateCertificate(f.subject, validityDays, hashFunc)
					})
				} else {
					out, err = m.GenerateCertificate(cmd.Context(), hsm.CertificateRequest{
						KeyID:         f.keyID,
						Subject:       f.subject,
						ValidityDays:  validityDays,
						HashAlgorithm: hashFunc,
					})
				}
				if err != nil {
					return err
				}
				return a.writeOutput(f.outFile, out)
			})
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&validityDays, "validity-days", 365, "days the certificate is valid for")
	cmd.Flags().StringVar(&hashFunc, "hashfnc", "sha256", "hash function used for signing")
	return cmd
}

func newTokenInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tokeninfo",
		Short: "Show the tokens visible through the PKCS#11 module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolver := hsm.Resolver{SearchPath: a.cfg.Device.SOPath}
			module, err := resolver.Resolve(a.cfg.Device.PKCS11Module)
			if err == nil {
				var tokens []p11.TokenInfo
				tokens, err = a.listTokens(module.Path)
				if err == nil {
					a.printTokens(module, tokens)
				}
			}
			a.record("tokeninfo", nil, err)
			return err
		},
	}
}

func (a *app) printTokens(module hsm.SharedObject, tokens []p11.TokenInfo) {
	fmt.Fprintf(a.stdout, "PKCS#11 module: %s\n", module.Path)
	if len(tokens) == 0 {
		fmt.Fprintln(a.stdout, "No tokens present.")
		return
	}
	for _, t := range tokens {
		soState := "ok"
		if t.SOPINLocked() {
			soState = "locked"
		}
		fmt.Fprintf(a.stdout, "\nSlot %d\n", t.SlotID)
		fmt.Fprintf(a.stdout, "  Label:        %s\n", t.Label)
		fmt.Fprintf(a.stdout, "  Manufacturer: %s\n", t.ManufacturerID)
		fmt.Fprintf(a.stdout, "  Model:        %s\n", t.Model)
		fmt.Fprintf(a.stdout, "  Serial:       %s\n", t.SerialNumber)
		fmt.Fprintf(a.stdout, "  Initialized:  %t\n", t.Initialized())
		fmt.Fprintf(a.stdout, "  User PIN:     %s\n", t.PINState())
		fmt.Fprintf(a.stdout, "  SO-PIN:       %s\n", soState)
	}
}
