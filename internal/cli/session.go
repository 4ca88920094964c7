package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/titaev-lv/hsmwiz/internal/hsm"
	"github.com/titaev-lv/hsmwiz/internal/logging"
)

// operations that change device state are written to the audit log
var auditedOperations = map[string]bool{
	"init":      true,
	"format":    true,
	"changepin": true,
	"unblock":   true,
	"keygen":    true,
	"removekey": true,
	"putcrt":    true,
}

// credentials are the secrets handed to a session; nil lets the tool prompt
type credentials struct {
	pin   *string
	soPIN *string
}

// credential returns the flag value when given, then the environment
// variable, else nil.
func (a *app) credential(cmd *cobra.Command, flag, env string) *string {
	if flag != "" && cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return &v
	}
	if v := a.getenv(env); v != "" {
		return &v
	}
	return nil
}

// requireCredential is credential with a hidden prompt as last resort. The
// second return reports whether the value was typed in.
func (a *app) requireCredential(cmd *cobra.Command, flag, env, prompt string) (string, bool, error) {
	if v := a.credential(cmd, flag, env); v != nil {
		return *v, false, nil
	}
	v, err := a.prompter.ReadSecret(prompt)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s not given (use --%s or %s): %w", hsm.ErrConfiguration, flag, flag, env, err)
	}
	return v, true, nil
}

func (a *app) sessionOptions(creds credentials) hsm.Options {
	dev := a.cfg.Device
	return hsm.Options{
		PIN:           creds.pin,
		SOPIN:         creds.soPIN,
		SearchPath:    dev.SOPath,
		PKCS11Module:  dev.PKCS11Module,
		EngineModules: dev.EngineModules,
		Tools: hsm.Tools{
			SCHSMTool:      dev.Tools.SCHSMTool,
			PKCS11Tool:     dev.Tools.PKCS11Tool,
			PKCS15Tool:     dev.Tools.PKCS15Tool,
			OpenSCExplorer: dev.Tools.OpenSCExplorer,
			OpenSSL:        dev.Tools.OpenSSL,
		},
		Verbose:  a.opts.verbose > 0,
		Executor: a.executor,
		Logger:   slog.Default(),
	}
}

// withSession identifies the device, runs fn and records the outcome.
// fields are attached to the audit record, credentials redacted.
func (a *app) withSession(ctx context.Context, operation string, creds credentials, fields map[string]any, fn func(hsm.Manager) error) error {
	m, err := a.openSession(ctx, a.sessionOptions(creds))
	if err == nil {
		err = fn(m)
	}
	a.record(operation, fields, err)
	return err
}

// record counts the operation and writes the audit trail
func (a *app) record(operation string, fields map[string]any, err error) {
	if a.recorder != nil {
		a.recorder.RecordOperation(operation, err)
	}
	if !auditedOperations[operation] {
		return
	}

	sanitized := logging.SanitizeForLog(fields)
	keys := make([]string, 0, len(sanitized))
	for k := range sanitized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := []any{"operation", operation}
	for _, k := range keys {
		attrs = append(attrs, k, sanitized[k])
	}

	audit := logging.AuditLogger()
	if err != nil {
		audit.Error("device operation failed", append(attrs, "error", err)...)
		return
	}
	audit.Info("device operation succeeded", attrs...)
}
