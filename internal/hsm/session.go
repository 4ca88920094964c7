package hsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
)

// Factory defaults installed by Initialize and restored by Format.
const (
	DefaultSOPIN = "3537363231383830"
	DefaultPIN   = "648219"
)

const (
	// DefaultPKCS11Module is the OpenSC PKCS#11 module name
	DefaultPKCS11Module = "opensc-pkcs11.so"

	// ExplorerAID selects the SmartCard-HSM application in opensc-explorer
	ExplorerAID = "aid:E82B0601040181C31F0201"
)

// DefaultEngineModules are the OpenSSL PKCS#11 engine names, newest packaging first
var DefaultEngineModules = []string{"pkcs11.so", "libpkcs11.so"}

// Tools names the external binaries a session invokes
type Tools struct {
	SCHSMTool      string
	PKCS11Tool     string
	PKCS15Tool     string
	OpenSCExplorer string
	OpenSSL        string
}

// DefaultTools returns the tool names as installed by OpenSC and OpenSSL
func DefaultTools() Tools {
	return Tools{
		SCHSMTool:      "sc-hsm-tool",
		PKCS11Tool:     "pkcs11-tool",
		PKCS15Tool:     "pkcs15-tool",
		OpenSCExplorer: "opensc-explorer",
		OpenSSL:        "openssl",
	}
}

// Options parameterize a Session. Nil credentials make the tools prompt
// on the terminal.
type Options struct {
	PIN   *string
	SOPIN *string

	SearchPath    []string
	PKCS11Module  string
	EngineModules []string
	Tools         Tools

	Verbose  bool
	Executor cmdexec.Executor
	Logger   *slog.Logger
}

// Session is a logical connection to one HSM. It is immutable once opened
// and issues one invocation at a time; the device itself is not safe for
// concurrent sessions.
type Session struct {
	pin   *string
	soPIN *string

	resolver Resolver
	module   string
	engines  []string
	tools    Tools

	verbose     bool
	initialized bool

	exec cmdexec.Executor
	log  *slog.Logger
}

// Identify probes the device and opens a session. The initialization state
// is determined once here and never re-queried.
func Identify(ctx context.Context, opts Options) (*Session, error) {
	s := newSession(opts)

	res, err := s.exec.Execute(ctx, cmdexec.Command{
		Args:           []string{s.tools.SCHSMTool},
		CombinedOutput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("probe device: %w", err)
	}

	if s.verbose {
		s.log.Info("probe output", "output", string(res.Stdout))
		s.log.Info("factory defaults", "so_pin", DefaultSOPIN, "pin", DefaultPIN)
	}

	initialized, err := ProbeDevice(res.Stdout)
	if err != nil {
		return nil, err
	}
	s.initialized = initialized

	s.log.Debug("device identified", "initialized", initialized)
	return s, nil
}

func newSession(opts Options) *Session {
	s := &Session{
		pin:      copyString(opts.PIN),
		soPIN:    copyString(opts.SOPIN),
		resolver: Resolver{SearchPath: append([]string(nil), opts.SearchPath...)},
		module:   opts.PKCS11Module,
		engines:  append([]string(nil), opts.EngineModules...),
		tools:    opts.Tools,
		verbose:  opts.Verbose,
		exec:     opts.Executor,
		log:      opts.Logger,
	}

	defaults := DefaultTools()
	if s.tools.SCHSMTool == "" {
		s.tools.SCHSMTool = defaults.SCHSMTool
	}
	if s.tools.PKCS11Tool == "" {
		s.tools.PKCS11Tool = defaults.PKCS11Tool
	}
	if s.tools.PKCS15Tool == "" {
		s.tools.PKCS15Tool = defaults.PKCS15Tool
	}
	if s.tools.OpenSCExplorer == "" {
		s.tools.OpenSCExplorer = defaults.OpenSCExplorer
	}
	if s.tools.OpenSSL == "" {
		s.tools.OpenSSL = defaults.OpenSSL
	}
	if s.module == "" {
		s.module = DefaultPKCS11Module
	}
	if len(s.engines) == 0 {
		s.engines = append([]string(nil), DefaultEngineModules...)
	}
	if s.exec == nil {
		s.exec = cmdexec.NewOSExecutor(nil)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Initialized reports whether the device had been initialized when probed
func (s *Session) Initialized() bool {
	return s.initialized
}

// PKCS11Module resolves the PKCS#11 module on the search path
func (s *Session) PKCS11Module() (SharedObject, error) {
	return s.resolver.Resolve(s.module)
}

// Login authenticates with the PIN, or the SO-PIN when asSO is set, and lists
// the device objects. A rejected credential is an expected outcome and
// returns false.
func (s *Session) Login(ctx context.Context, asSO bool) (bool, error) {
	args, err := s.pkcs11Args(asSO)
	if err != nil {
		return false, err
	}
	args = append(args, "--list-objects")

	res, err := s.run(ctx, s.command(args, asSO))
	if err != nil {
		return false, err
	}
	if !res.Success() {
		s.log.Debug("login rejected", "so", asSO, "exit_code", res.ExitCode)
		return false, nil
	}
	return true, nil
}

// Initialize sets up a virgin device with the factory default SO-PIN and PIN.
func (s *Session) Initialize(ctx context.Context) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	args := []string{s.tools.SCHSMTool, "--initialize", "--so-pin", DefaultSOPIN, "--pin", DefaultPIN}
	return s.runChecked(ctx, "initialize device", ErrDevice, cmdexec.Command{Args: args, CombinedOutput: true})
}

// Format re-initializes the device, irreversibly destroying every key and
// certificate on it. It needs the current SO-PIN. The PIN is always reset to
// DefaultPIN; a non-default SO-PIN is changed back to DefaultSOPIN afterwards,
// so the device always ends in the factory state.
func (s *Session) Format(ctx context.Context) error {
	if s.soPIN == nil {
		return fmt.Errorf("%w: format requires the current SO-PIN", ErrConfiguration)
	}

	ok, err := s.Login(ctx, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot format without SO authentication", ErrAuthentication)
	}

	args := []string{s.tools.SCHSMTool, "--initialize", "--so-pin", *s.soPIN, "--pin", DefaultPIN}
	if err := s.runChecked(ctx, "format device", ErrDevice, cmdexec.Command{Args: args, CombinedOutput: true}); err != nil {
		return err
	}

	if *s.soPIN == DefaultSOPIN {
		return nil
	}

	reset, err := s.pkcs11Args(true)
	if err != nil {
		return err
	}
	reset = append(reset, "--change-pin", "--new-pin", DefaultSOPIN)
	return s.runChecked(ctx, "reset SO-PIN to factory default", ErrDevice, s.command(reset, true))
}

// List dumps the PKCS#15 structure of the device to the terminal.
func (s *Session) List(ctx context.Context) error {
	return s.runChecked(ctx, "list device contents", ErrDevice, cmdexec.Command{
		Args:        []string{s.tools.PKCS15Tool, "--dump"},
		Interactive: true,
	})
}

// Explore starts an interactive opensc-explorer on the SmartCard-HSM application.
func (s *Session) Explore(ctx context.Context) error {
	if s.verbose {
		s.log.Info("explorer hints",
			"verify_pin", "verify chv129",
			"change_pin", `change chv129 "648219" "123456"`,
			"change_so_pin", `change chv136 "3537363231383830" "16b72e4528d5063e"`)
	}
	return s.runChecked(ctx, "explore device", ErrDevice, cmdexec.Command{
		Args:        []string{s.tools.OpenSCExplorer, "--mf", ExplorerAID},
		Interactive: true,
	})
}

// pkcs11Args returns the pkcs11-tool prefix with module and login flags
func (s *Session) pkcs11Args(asSO bool) ([]string, error) {
	module, err := s.resolver.Resolve(s.module)
	if err != nil {
		return nil, err
	}

	args := []string{s.tools.PKCS11Tool, "--module", module.Path, "--login"}
	if asSO {
		args = append(args, "--login-type", "so")
		if s.soPIN != nil {
			args = append(args, "--so-pin", *s.soPIN)
		}
	} else if s.pin != nil {
		args = append(args, "--pin", *s.pin)
	}
	return args, nil
}

// command wraps pkcs11-tool args. Without the credential on the command
// line the tool prompts, so the terminal is attached.
func (s *Session) command(args []string, asSO bool) cmdexec.Command {
	missing := s.pin == nil
	if asSO {
		missing = s.soPIN == nil
	}
	return cmdexec.Command{
		Args:           args,
		Interactive:    missing,
		CombinedOutput: true,
	}
}

func (s *Session) run(ctx context.Context, cmd cmdexec.Command) (*cmdexec.Result, error) {
	if s.verbose {
		s.log.Info("invoking", "cmd", cmdexec.Render(cmdexec.Redact(cmd.Args)))
	}
	res, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if s.verbose && len(res.Stdout) > 0 {
		s.log.Debug("tool output", "tool", cmd.Tool(), "output", string(cmdexec.RedactOutput(res.Stdout, s.secrets()...)))
	}
	return res, nil
}

// runChecked runs cmd and converts a non-zero exit into a *ToolError of kind.
func (s *Session) runChecked(ctx context.Context, action string, kind error, cmd cmdexec.Command) error {
	res, err := s.run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if !res.Success() {
		return s.toolError(kind, action, cmd, res)
	}
	return nil
}

// toolError records a failed invocation with credentials masked in both the
// command line and the captured output.
func (s *Session) toolError(kind error, action string, cmd cmdexec.Command, res *cmdexec.Result) *ToolError {
	return &ToolError{
		Kind:     kind,
		Action:   action,
		Command:  cmdexec.Render(cmdexec.Redact(cmd.Args)),
		ExitCode: res.ExitCode,
		Output:   cmdexec.RedactOutput(res.Output(), s.secrets()...),
	}
}

// secrets lists the credentials held by the session
func (s *Session) secrets() []string {
	var out []string
	for _, p := range []*string{s.pin, s.soPIN} {
		if p != nil && *p != "" {
			out = append(out, *p)
		}
	}
	return out
}
