package cmdexec

import (
	"bytes"
	"regexp"
	"strings"
)

const redacted = "****"

// flags whose following argument is a credential
var secretFlags = map[string]bool{
	"--pin":     true,
	"--so-pin":  true,
	"--new-pin": true,
	"--puk":     true,
}

// openssl engine echoes control commands, e.g. "[Success]: PIN:123456"
var pinDirective = regexp.MustCompile(`PIN:\S+`)

// Render joins args into a human-readable command line. Arguments containing
// a space or a double quote are wrapped in double quotes with embedded quotes
// escaped.
func Render(args []string) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = quote(arg)
	}
	return strings.Join(parts, " ")
}

func quote(arg string) string {
	if !strings.ContainsAny(arg, " \"") {
		return arg
	}
	return "\"" + strings.ReplaceAll(arg, "\"", "\\\"") + "\""
}

// Redact returns a copy of args with PIN material masked, for logging.
func Redact(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		switch {
		case maskNext:
			out[i] = redacted
			maskNext = false
		case secretFlags[arg]:
			out[i] = arg
			maskNext = true
		case strings.HasPrefix(arg, "PIN:"):
			out[i] = "PIN:" + redacted
		default:
			out[i] = arg
			if name, _, ok := strings.Cut(arg, "="); ok && secretFlags[name] {
				out[i] = name + "=" + redacted
			}
		}
	}
	return out
}

// RedactOutput returns a copy of captured tool output with PIN: directives
// and every non-empty secret masked.
func RedactOutput(out []byte, secrets ...string) []byte {
	masked := pinDirective.ReplaceAll(out, []byte("PIN:"+redacted))
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		masked = bytes.ReplaceAll(masked, []byte(secret), []byte(redacted))
	}
	return masked
}
