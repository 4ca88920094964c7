package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the user for secrets and confirmations
type Prompter interface {
	// Interactive reports whether a user can answer prompts
	Interactive() bool
	ReadSecret(prompt string) (string, error)
	Confirm(prompt string) (bool, error)
}

// errNotInteractive is returned when input is required but stdin is not a terminal
var errNotInteractive = errors.New("input required but stdin is not a terminal")

// termPrompter reads hidden input from the controlling terminal
type termPrompter struct {
	in  *os.File
	out io.Writer
}

func newTermPrompter(in *os.File, out io.Writer) *termPrompter {
	return &termPrompter{in: in, out: out}
}

func (p *termPrompter) Interactive() bool {
	return term.IsTerminal(int(p.in.Fd()))
}

// ReadSecret prompts without echoing the input
func (p *termPrompter) ReadSecret(prompt string) (string, error) {
	if !p.Interactive() {
		return "", errNotInteractive
	}
	fmt.Fprint(p.out, prompt)
	b, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out) // Newline after hidden input
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Confirm asks a yes/no question; only "y" or "yes" confirms
func (p *termPrompter) Confirm(prompt string) (bool, error) {
	if !p.Interactive() {
		return false, errNotInteractive
	}
	fmt.Fprintf(p.out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
