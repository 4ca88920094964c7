package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/titaev-lv/hsmwiz/internal/hsm"
)

func newIdentifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Identify the HSM and report whether it is initialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "identify", credentials{}, nil, func(m hsm.Manager) error {
				if m.Initialized() {
					fmt.Fprintln(a.stdout, "Device is initialized.")
				} else {
					fmt.Fprintln(a.stdout, "Device has never been initialized; run 'hsmwiz init'.")
				}
				return nil
			})
		},
	}
}

func newVerifyPINCmd(a *app) *cobra.Command {
	var (
		verifySO bool
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "verifypin",
		Short: "Verify the PIN (or SO-PIN) of the HSM",
		Long: `Verify the PIN, or the SO-PIN with --verify-sopin, by logging in.

When the PIN is typed in interactively and is rejected, the command asks
again up to --attempts times. Every wrong PIN decrements the device retry
counter, so attempts are spaced out and never repeated automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flag, env, what := "pin", envPIN, "PIN"
			if verifySO {
				env, what = envSOPIN, "SO-PIN"
			}
			if attempts < 1 {
				return fmt.Errorf("%w: --attempts must be at least 1", hsm.ErrConfiguration)
			}

			secret, typed, err := a.requireCredential(cmd, flag, env, what+": ")
			if err != nil {
				return err
			}
			return a.verifyPIN(cmd.Context(), verifySO, what, secret, typed, attempts)
		},
	}

	cmd.Flags().String("pin", "", "PIN or SO-PIN to verify; asked for interactively when omitted")
	cmd.Flags().BoolVar(&verifySO, "verify-sopin", false, "verify the SO-PIN instead of the PIN")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "number of interactive attempts")
	return cmd
}

func (a *app) verifyPIN(ctx context.Context, asSO bool, what, secret string, typed bool, attempts int) error {
	limiter := rate.NewLimiter(rate.Every(a.retryInterval), 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		creds := credentials{pin: &secret}
		if asSO {
			creds = credentials{soPIN: &secret}
		}

		var ok bool
		err := a.withSession(ctx, "verifypin", creds, nil, func(m hsm.Manager) error {
			var err error
			ok, err = m.Login(ctx, asSO)
			return err
		})
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(a.stderr, "%s correct.\n", what)
			return nil
		}

		fmt.Fprintf(a.stderr, "%s was WRONG!\n", what)
		if !typed || attempt >= attempts {
			return fmt.Errorf("%w: %s rejected", hsm.ErrAuthentication, what)
		}

		secret, err = a.prompter.ReadSecret(what + ": ")
		if err != nil {
			return err
		}
	}
}

func newCheckEngineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkengine",
		Short: "Check that OpenSSL can load the PKCS#11 engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "checkengine", credentials{}, nil, func(m hsm.Manager) error {
				if err := m.CheckEngine(cmd.Context()); err != nil {
					return err
				}
				module, err := m.PKCS11Module()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "OpenSSL PKCS#11 engine loads %s\n", module.Path)
				return nil
			})
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a virgin HSM with the factory default PINs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "init", credentials{}, nil, func(m hsm.Manager) error {
				if err := m.Initialize(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Device initialized. SO-PIN: %s    PIN: %s\n", hsm.DefaultSOPIN, hsm.DefaultPIN)
				fmt.Fprintln(a.stdout, "Change both with 'hsmwiz changepin' before storing keys.")
				return nil
			})
		},
	}
}

func newFormatCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Re-initialize the HSM, destroying every key and certificate",
		Long: `Format re-initializes the device with the current SO-PIN. All keys and
certificates are irreversibly destroyed. Afterwards the device uses the
factory default SO-PIN and PIN again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			soPIN, _, err := a.requireCredential(cmd, "so-pin", envSOPIN, "Current SO-PIN: ")
			if err != nil {
				return err
			}

			if !force {
				if !a.prompter.Interactive() {
					return fmt.Errorf("%w: refusing to format without --force when not interactive", hsm.ErrConfiguration)
				}
				confirmed, err := a.prompter.Confirm("This destroys ALL keys and certificates on the device. Continue?")
				if err != nil {
					return err
				}
				if !confirmed {
					return errors.New("format aborted")
				}
			}

			return a.withSession(cmd.Context(), "format", credentials{soPIN: &soPIN}, nil, func(m hsm.Manager) error {
				if err := m.Format(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Device formatted. SO-PIN: %s    PIN: %s\n", hsm.DefaultSOPIN, hsm.DefaultPIN)
				return nil
			})
		},
	}

	cmd.Flags().String("so-pin", "", "current SO-PIN")
	cmd.Flags().BoolVar(&force, "force", false, "do not ask for confirmation")
	return cmd
}

func newChangePINCmd(a *app) *cobra.Command {
	var (
		randomize bool
		affectSO  bool
	)

	cmd := &cobra.Command{
		Use:   "changepin",
		Short: "Change the PIN or, with --affect-so-pin, the SO-PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, what := envPIN, "PIN"
			if affectSO {
				env, what = envSOPIN, "SO-PIN"
			}

			old, _, err := a.requireCredential(cmd, "old", env, "Current "+what+": ")
			if err != nil {
				return err
			}

			next, err := a.newCredential(cmd, affectSO, randomize, what)
			if err != nil {
				return err
			}

			creds := credentials{pin: &old}
			if affectSO {
				creds = credentials{soPIN: &old}
			}
			return a.withSession(cmd.Context(), "changepin", creds, map[string]any{"so": affectSO}, func(m hsm.Manager) error {
				if affectSO {
					err = m.ChangeSOPIN(cmd.Context(), next)
				} else {
					err = m.ChangePIN(cmd.Context(), next)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "%s changed.\n", what)
				return nil
			})
		},
	}

	cmd.Flags().String("old", "", "current PIN or SO-PIN")
	cmd.Flags().String("new", "", "new PIN or SO-PIN")
	cmd.Flags().BoolVar(&randomize, "randomize-new", false, "generate a random new value and print it")
	cmd.Flags().BoolVar(&affectSO, "affect-so-pin", false, "change the SO-PIN instead of the PIN")
	cmd.MarkFlagsMutuallyExclusive("new", "randomize-new")
	return cmd
}

// newCredential determines the replacement PIN: from --new, generated, or
// typed in twice.
func (a *app) newCredential(cmd *cobra.Command, affectSO, randomize bool, what string) (string, error) {
	if cmd.Flags().Changed("new") {
		return cmd.Flags().GetString("new")
	}

	if randomize {
		if affectSO {
			next, err := hsm.GenerateSOPIN()
			if err != nil {
				return "", err
			}
			fmt.Fprintln(a.stdout, "!!! Do not lose this !!!")
			fmt.Fprintf(a.stdout, "--> New SO-PIN: %s <--\n", next)
			fmt.Fprintln(a.stdout, "!!! Do not lose this !!!")
			return next, nil
		}
		next, err := hsm.GeneratePIN(6)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(a.stdout, "New PIN: %s\n", next)
		return next, nil
	}

	first, err := a.prompter.ReadSecret("New " + what + ": ")
	if err != nil {
		return "", fmt.Errorf("%w: new %s not given (use --new or --randomize-new): %w", hsm.ErrConfiguration, what, err)
	}
	second, err := a.prompter.ReadSecret("Repeat new " + what + ": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("%w: new %s entries do not match", hsm.ErrConfiguration, what)
	}
	if first == "" {
		return "", fmt.Errorf("%w: new %s must not be empty", hsm.ErrConfiguration, what)
	}
	return first, nil
}

func newUnblockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Unblock a blocked PIN using the SO-PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := credentials{
				pin:   a.credential(cmd, "pin", envPIN),
				soPIN: a.credential(cmd, "so-pin", envSOPIN),
			}
			return a.withSession(cmd.Context(), "unblock", creds, nil, func(m hsm.Manager) error {
				if err := m.UnblockPIN(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(a.stderr, "PIN unblocked.")
				return nil
			})
		},
	}

	cmd.Flags().String("so-pin", "", "SO-PIN authorizing the unblock")
	cmd.Flags().String("pin", "", "PIN to set after unblocking")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Dump the PKCS#15 structure of the HSM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "list", credentials{}, nil, func(m hsm.Manager) error {
				return m.List(cmd.Context())
			})
		},
	}
}

func newExploreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "explore",
		Short: "Start opensc-explorer on the SmartCard-HSM application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "explore", credentials{}, nil, func(m hsm.Manager) error {
				return m.Explore(cmd.Context())
			})
		},
	}
}
