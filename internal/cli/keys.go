package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/titaev-lv/hsmwiz/internal/hsm"
)

// optionalString returns the flag value if it was given
func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// keySelector builds a selector from the mutually exclusive --id and --label
func keySelector(cmd *cobra.Command) (hsm.KeySelector, error) {
	var id *int
	if cmd.Flags().Changed("id") {
		v, _ := cmd.Flags().GetInt("id")
		id = &v
	}
	return hsm.NewKeySelector(id, optionalString(cmd, "label"))
}

func newKeygenCmd(a *app) *cobra.Command {
	var id int

	cmd := &cobra.Command{
		Use:     "keygen KEYSPEC",
		Aliases: []string{"genkey"},
		Short:   "Generate a key pair on the HSM",
		Long: `Generate a key pair on the device. KEYSPEC is either 'rsa:BITLENGTH' or
'EC:CURVENAME', e.g. 'rsa:2048', 'EC:prime256v1' or 'EC:brainpool256r1'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := hsm.ParseKeySpec(args[0])
			if err != nil {
				return err
			}
			if id < 0 {
				return fmt.Errorf("%w: key id must not be negative", hsm.ErrConfiguration)
			}
			label := optionalString(cmd, "label")
			creds := credentials{pin: a.credential(cmd, "pin", envPIN)}
			fields := map[string]any{"keyspec": spec.String(), "id": hsm.FormatKeyID(id)}

			return a.withSession(cmd.Context(), "keygen", creds, fields, func(m hsm.Manager) error {
				if err := m.Keygen(cmd.Context(), spec, id, label); err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "Generated %s key pair with id %s.\n", spec, hsm.FormatKeyID(id))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&id, "id", 1, "key id of the new key pair")
	cmd.Flags().String("label", "", "key label of the new key pair")
	cmd.Flags().String("pin", "", "PIN; asked for interactively when omitted")
	return cmd
}

func newGetKeyCmd(a *app) *cobra.Command {
	var keyFormat string

	cmd := &cobra.Command{
		Use:     "getkey",
		Aliases: []string{"getpubkey"},
		Short:   "Fetch a public key from the HSM",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keyFormat != "pem" && keyFormat != "ssh" {
				return fmt.Errorf("%w: key format must be pem or ssh, got %q", hsm.ErrConfiguration, keyFormat)
			}
			sel, err := keySelector(cmd)
			if err != nil {
				return err
			}
			creds := credentials{pin: a.credential(cmd, "pin", envPIN)}

			return a.withSession(cmd.Context(), "getkey", creds, nil, func(m hsm.Manager) error {
				pub, err := m.GetPublicKey(cmd.Context(), sel)
				if err != nil {
					return err
				}
				if keyFormat == "ssh" {
					line, err := pub.AuthorizedKey()
					if err != nil {
						return err
					}
					_, err = a.stdout.Write(line)
					return err
				}
				fmt.Fprintf(a.stdout, "# %s key:\n%s", pub.Type, pub.PEM)
				return nil
			})
		},
	}

	cmd.Flags().Int("id", 0, "key id to fetch")
	cmd.Flags().String("label", "", "key label to fetch")
	cmd.Flags().String("pin", "", "PIN; asked for interactively when omitted")
	cmd.Flags().StringVarP(&keyFormat, "key-format", "f", "pem", "output format (pem, ssh)")
	cmd.MarkFlagsMutuallyExclusive("id", "label")
	return cmd
}

func newRemoveKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "removekey",
		Aliases: []string{"delkey", "deletekey"},
		Short:   "Remove a private key from the HSM",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel, err := keySelector(cmd)
			if err != nil {
				return err
			}
			creds := credentials{pin: a.credential(cmd, "pin", envPIN)}

			return a.withSession(cmd.Context(), "removekey", creds, map[string]any{"key": sel.String()}, func(m hsm.Manager) error {
				if err := m.RemoveKey(cmd.Context(), sel); err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "Removed private key %s.\n", sel)
				return nil
			})
		},
	}

	cmd.Flags().Int("id", 0, "key id to remove")
	cmd.Flags().String("label", "", "key label to remove")
	cmd.Flags().String("pin", "", "PIN; asked for interactively when omitted")
	cmd.MarkFlagsMutuallyExclusive("id", "label")
	return cmd
}

func newPutCRTCmd(a *app) *cobra.Command {
	var id int

	cmd := &cobra.Command{
		Use:   "putcrt CRT_PEMFILE",
		Short: "Store a PEM certificate on the HSM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id < 0 {
				return fmt.Errorf("%w: certificate id must not be negative", hsm.ErrConfiguration)
			}
			label := optionalString(cmd, "label")
			creds := credentials{pin: a.credential(cmd, "pin", envPIN)}
			fields := map[string]any{"file": args[0], "id": hsm.FormatKeyID(id)}

			return a.withSession(cmd.Context(), "putcrt", creds, fields, func(m hsm.Manager) error {
				der, err := m.CertificateToDER(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := m.PutCertificate(cmd.Context(), der, id, label); err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "Stored certificate with id %s.\n", hsm.FormatKeyID(id))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&id, "id", "i", 1, "certificate id on the device")
	cmd.Flags().String("label", "", "certificate label")
	cmd.Flags().String("pin", "", "PIN; asked for interactively when omitted")
	return cmd
}
