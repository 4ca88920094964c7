package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
	"github.com/titaev-lv/hsmwiz/internal/config"
	"github.com/titaev-lv/hsmwiz/internal/hsm"
	"github.com/titaev-lv/hsmwiz/internal/logging"
	"github.com/titaev-lv/hsmwiz/internal/metrics"
	"github.com/titaev-lv/hsmwiz/internal/p11"
)

// Environment variables holding credentials. They are never read from the
// config file.
const (
	envPIN   = "HSMWIZ_PIN"
	envSOPIN = "HSMWIZ_SO_PIN"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configFile string
	soPath     string
	verbose    int
	logFormat  string
}

// nativeSigner is the in-process signing path backed by crypto11
type nativeSigner interface {
	CreateCSR(subject, hash string) ([]byte, error)
	CreateCertificate(subject string, validityDays int, hash string) ([]byte, error)
	Close() error
}

// app carries the state of one CLI invocation
type app struct {
	opts globalOptions

	cfg       *config.Config
	recorder  *metrics.Recorder
	executor  cmdexec.Executor
	logCloser io.Closer

	stdout   io.Writer
	stderr   io.Writer
	prompter Prompter
	getenv   func(string) string

	// spacing between verifypin attempts
	retryInterval time.Duration

	openSession func(ctx context.Context, opts hsm.Options) (hsm.Manager, error)
	listTokens  func(modulePath string) ([]p11.TokenInfo, error)
	openSigner  func(cfg p11.SignerConfig) (nativeSigner, error)
}

func newApp() *app {
	return &app{
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		prompter:      newTermPrompter(os.Stdin, os.Stderr),
		getenv:        os.Getenv,
		retryInterval: 2 * time.Second,
		openSession: func(ctx context.Context, opts hsm.Options) (hsm.Manager, error) {
			s, err := hsm.Identify(ctx, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		listTokens: p11.ListTokens,
		openSigner: func(cfg p11.SignerConfig) (nativeSigner, error) {
			s, err := p11.OpenSigner(cfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// newRootCmd builds the command tree bound to a
func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hsmwiz",
		Short: "Manage SmartCard-HSM and Nitrokey HSM devices",
		Long: `hsmwiz drives OpenSC (sc-hsm-tool, pkcs11-tool, pkcs15-tool,
opensc-explorer) and OpenSSL to manage a USB hardware security module:
initialize and format the device, change and unblock PINs, generate and
remove keys, export public keys, create CSRs and self-signed certificates
with device-resident keys, and store certificates on the device.

PINs are taken from flags, from HSMWIZ_PIN / HSMWIZ_SO_PIN (also read from
a .env file), or asked for interactively.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.teardown()
		},
	}

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&a.opts.configFile, "config", "",
		"config file (default is $HOME/.hsmwiz.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.opts.soPath, "so-path", "",
		"search path, separated by ':' characters, for shared objects like opensc-pkcs11.so")
	rootCmd.PersistentFlags().CountVarP(&a.opts.verbose, "verbose", "v",
		"increase verbosity; can be given multiple times")
	rootCmd.PersistentFlags().StringVar(&a.opts.logFormat, "log-format", "",
		"log format (text, json)")

	// Add subcommands
	rootCmd.AddCommand(
		newIdentifyCmd(a),
		newVerifyPINCmd(a),
		newCheckEngineCmd(a),
		newInitCmd(a),
		newFormatCmd(a),
		newChangePINCmd(a),
		newUnblockCmd(a),
		newListCmd(a),
		newExploreCmd(a),
		newKeygenCmd(a),
		newGetKeyCmd(a),
		newRemoveKeyCmd(a),
		newGenCSRCmd(a),
		newGenCRTCmd(a),
		newPutCRTCmd(a),
		newTokenInfoCmd(a),
	)
	return rootCmd
}

// Execute runs the CLI with the process arguments
func Execute(ctx context.Context) error {
	a := newApp()
	err := newRootCmd(a).ExecuteContext(ctx)
	if err != nil {
		a.teardown()
		printError(a.stderr, err)
	}
	return err
}

// setup loads configuration and wires logging, metrics and the executor
func (a *app) setup() error {
	cfg, err := config.LoadConfig(a.opts.configFile)
	if err != nil {
		return fmt.Errorf("%w: %w", hsm.ErrConfiguration, err)
	}
	if a.opts.soPath != "" {
		cfg.Device.SOPath = config.SplitSearchPath(a.opts.soPath)
	}
	if a.opts.logFormat != "" {
		cfg.Logging.Format = a.opts.logFormat
	}
	a.cfg = cfg

	closer, err := logging.InitLogger(&cfg.Logging, a.opts.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.logCloser = closer

	a.recorder = metrics.NewRecorder()
	if a.executor == nil {
		executor := cmdexec.NewOSExecutor(a.recorder)
		executor.Logger = slog.Default()
		a.executor = executor
	}

	slog.Debug("configuration loaded",
		"so_path", cfg.Device.SOPath,
		"pkcs11_module", cfg.Device.PKCS11Module,
		"verbosity", a.opts.verbose)
	return nil
}

// teardown flushes metrics and closes the log file. It is safe to call twice.
func (a *app) teardown() {
	if a.recorder != nil && a.cfg != nil && a.cfg.Metrics.Textfile != "" {
		if err := a.recorder.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			slog.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
	a.recorder = nil
}

// printError writes err and, for failed tool invocations, the captured output
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var toolErr *hsm.ToolError
	if errors.As(err, &toolErr) && len(toolErr.Output) > 0 {
		fmt.Fprintf(w, "Output of %s:\n%s", toolErr.Command, toolErr.Output)
		if toolErr.Output[len(toolErr.Output)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}
