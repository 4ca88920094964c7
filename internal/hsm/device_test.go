package hsm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
)

// simDevice is an in-memory SmartCard-HSM that interprets the argument
// vectors of sc-hsm-tool, pkcs11-tool and openssl.
type simDevice struct {
	t *testing.T

	noReaders   bool
	initialized bool
	soPIN       string
	pin         string

	pubkeys map[string][]byte // CKA_ID hex -> PKIX DER
	labels  map[string]string // label -> CKA_ID hex
	certs   map[string][]byte

	engineFails bool
	signEmpty   bool
	echoPIN     bool // answer the script like OpenSSL 1.1 with a failing request

	// failOn makes any invocation carrying this argument exit 1
	failOn string

	calls []cmdexec.Command
}

func newSimDevice(t *testing.T) *simDevice {
	return &simDevice{
		t:       t,
		pubkeys: map[string][]byte{},
		labels:  map[string]string{},
		certs:   map[string][]byte{},
	}
}

func (d *simDevice) Execute(_ context.Context, cmd cmdexec.Command) (*cmdexec.Result, error) {
	d.calls = append(d.calls, cmd)
	if d.failOn != "" && hasFlag(cmd.Args, d.failOn) {
		return fail("error: " + d.failOn + " failed: CKR_DEVICE_ERROR\n"), nil
	}
	switch cmd.Tool() {
	case "sc-hsm-tool":
		return d.scHSMTool(cmd.Args[1:]), nil
	case "pkcs11-tool":
		return d.pkcs11Tool(cmd.Args[1:]), nil
	case "openssl":
		return d.openssl(cmd), nil
	case "pkcs15-tool", "opensc-explorer":
		return ok(""), nil
	}
	d.t.Fatalf("unexpected tool %q", cmd.Tool())
	return nil, nil
}

// commandLines returns the rendered invocations
func (d *simDevice) commandLines() []string {
	lines := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		lines = append(lines, cmdexec.Render(c.Args))
	}
	return lines
}

func ok(out string) *cmdexec.Result {
	return &cmdexec.Result{Stdout: []byte(out)}
}

func fail(out string) *cmdexec.Result {
	return &cmdexec.Result{ExitCode: 1, Stdout: []byte(out)}
}

func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func (d *simDevice) scHSMTool(args []string) *cmdexec.Result {
	if d.noReaders {
		return fail("No smart card readers found.\n")
	}
	if len(args) == 0 {
		if !d.initialized {
			return ok("Using reader with a card: Nitrokey HSM\nThe SmartCard-HSM has never been initialized. Please use --initialize to set SO-PIN and user PIN.\n")
		}
		return ok("Using reader with a card: Nitrokey HSM\nVersion              : 3.5\nUser PIN tries left  : 3\n")
	}
	if hasFlag(args, "--initialize") {
		so, _ := flagValue(args, "--so-pin")
		pin, _ := flagValue(args, "--pin")
		if d.initialized && so != d.soPIN {
			return fail("Check SO-PIN failed\n")
		}
		d.initialized = true
		d.soPIN = so
		d.pin = pin
		d.pubkeys = map[string][]byte{}
		d.labels = map[string]string{}
		d.certs = map[string][]byte{}
		return ok("")
	}
	return fail("unsupported\n")
}

func (d *simDevice) lookup(args []string) (string, bool) {
	if id, found := flagValue(args, "--id"); found {
		return id, true
	}
	if label, found := flagValue(args, "--label"); found {
		id, known := d.labels[label]
		return id, known
	}
	return "", false
}

func (d *simDevice) pkcs11Tool(args []string) *cmdexec.Result {
	if _, found := flagValue(args, "--module"); !found {
		return fail("no module\n")
	}

	asSO := hasFlag(args, "--login-type")
	if hasFlag(args, "--login") {
		if asSO {
			so, given := flagValue(args, "--so-pin")
			if !given || so != d.soPIN {
				return fail("error: PKCS11 function C_Login failed: rv = CKR_PIN_INCORRECT (0xa0)\n")
			}
		} else {
			pin, given := flagValue(args, "--pin")
			if !given || pin != d.pin {
				return fail("error: PKCS11 function C_Login failed: rv = CKR_PIN_INCORRECT (0xa0)\n")
			}
		}
	}

	switch {
	case hasFlag(args, "--list-objects"):
		return ok("Using slot 0 with a present token (0x0)\n")

	case hasFlag(args, "--change-pin"):
		next, _ := flagValue(args, "--new-pin")
		if asSO {
			d.soPIN = next
		} else {
			d.pin = next
		}
		return ok("PIN successfully changed\n")

	case hasFlag(args, "--init-pin"):
		next, _ := flagValue(args, "--new-pin")
		d.pin = next
		return ok("User PIN successfully initialized\n")

	case hasFlag(args, "--keypairgen"):
		keyType, _ := flagValue(args, "--key-type")
		id, _ := flagValue(args, "--id")
		der, err := d.generate(keyType)
		if err != nil {
			return fail(err.Error())
		}
		d.pubkeys[id] = der
		if label, found := flagValue(args, "--label"); found {
			d.labels[label] = id
		}
		return ok("Key pair generated\n")

	case hasFlag(args, "--read-object"):
		id, found := d.lookup(args)
		der, exists := d.pubkeys[id]
		if !found || !exists {
			return fail("error: object not found\n")
		}
		out, _ := flagValue(args, "--output-file")
		require.NoError(d.t, os.WriteFile(out, der, 0o600))
		return ok("")

	case hasFlag(args, "--delete-object"):
		id, found := d.lookup(args)
		if _, exists := d.pubkeys[id]; !found || !exists {
			return fail("error: object not found\n")
		}
		delete(d.pubkeys, id)
		return ok("")

	case hasFlag(args, "--write-object"):
		src, _ := flagValue(args, "--write-object")
		id, _ := flagValue(args, "--id")
		data, err := os.ReadFile(src)
		if err != nil {
			return fail(err.Error())
		}
		d.certs[id] = data
		return ok("Created certificate:\n")
	}
	return fail("unsupported\n")
}

func (d *simDevice) generate(keyType string) ([]byte, error) {
	alg, param, _ := strings.Cut(keyType, ":")
	var pub any
	switch alg {
	case "rsa":
		bits, err := strconv.Atoi(param)
		if err != nil {
			return nil, err
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		pub = &key.PublicKey
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		pub = &key.PublicKey
	}
	return x509.MarshalPKIXPublicKey(pub)
}

func (d *simDevice) openssl(cmd cmdexec.Command) *cmdexec.Result {
	args := cmd.Args[1:]
	if len(args) == 0 {
		return d.opensslScript(cmd.Stdin)
	}

	switch args[0] {
	case "engine":
		if d.engineFails {
			return fail("dynamic: could not load the shared library\n")
		}
		return ok("(dynamic) Dynamic engine loading support\n[Success]: LOAD\n")

	case "rsa", "ec":
		in, _ := flagValue(args, "-in")
		der, err := os.ReadFile(in)
		if err != nil {
			return fail(err.Error())
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return fail("unable to load Public Key\n")
		}
		_, isRSA := pub.(*rsa.PublicKey)
		_, isEC := pub.(*ecdsa.PublicKey)
		if (args[0] == "rsa" && !isRSA) || (args[0] == "ec" && !isEC) {
			return fail("unable to load Public Key\n")
		}
		return ok(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})))

	case "x509":
		in, _ := flagValue(args, "-in")
		data, err := os.ReadFile(in)
		if err != nil {
			return fail(err.Error())
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return fail("unable to load certificate\n")
		}
		return ok(string(block.Bytes))
	}
	return fail("unsupported\n")
}

func (d *simDevice) opensslScript(stdin []byte) *cmdexec.Result {
	lines := strings.Split(strings.TrimSpace(string(stdin)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "engine dynamic") {
		return fail("bad script\n")
	}
	if d.echoPIN {
		var echo strings.Builder
		for _, f := range strings.Fields(lines[0]) {
			if strings.HasPrefix(f, "PIN:") {
				echo.WriteString("[Success]: " + f + "\n")
			}
		}
		echo.WriteString("unable to load signing key\n")
		return fail(echo.String())
	}

	fields := strings.Fields(lines[1])
	out, found := flagValue(fields, "-out")
	if !found {
		return fail("no output\n")
	}

	blockType := "CERTIFICATE REQUEST"
	if hasFlag(fields, "-x509") {
		blockType = "CERTIFICATE"
	}
	var data []byte
	if !d.signEmpty {
		data = pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: []byte("signed")})
	}
	require.NoError(d.t, os.WriteFile(out, data, 0o600))
	return ok("OpenSSL> OpenSSL> ")
}

// moduleDir creates a search path directory holding the PKCS#11 module and
// the OpenSSL engine.
func moduleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{DefaultPKCS11Module, "pkcs11.so"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("ELF"), 0o644))
	}
	return dir
}

func strPtr(s string) *string { return &s }

// openSim identifies the simulated device with the given credentials.
func openSim(t *testing.T, dev *simDevice, pin, soPIN *string) *Session {
	t.Helper()
	s, err := Identify(context.Background(), Options{
		PIN:        pin,
		SOPIN:      soPIN,
		SearchPath: []string{moduleDir(t)},
		Executor:   dev,
	})
	require.NoError(t, err)
	return s
}

func countCalls(d *simDevice, needle string) int {
	n := 0
	for _, line := range d.commandLines() {
		if strings.Contains(line, needle) {
			n++
		}
	}
	return n
}

func lastStdin(d *simDevice) []byte {
	for i := len(d.calls) - 1; i >= 0; i-- {
		if len(d.calls[i].Stdin) > 0 {
			return bytes.Clone(d.calls[i].Stdin)
		}
	}
	return nil
}
