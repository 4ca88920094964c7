package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titaev-lv/hsmwiz/internal/cmdexec"
	"github.com/titaev-lv/hsmwiz/internal/hsm"
	"github.com/titaev-lv/hsmwiz/internal/p11"
)

// fakeManager records calls instead of driving a device
type fakeManager struct {
	initialized bool
	logins      []bool // results handed out in order
	pubkey      *hsm.PublicKey
	module      hsm.SharedObject
	err         error

	calls     []string
	keySpec   hsm.KeySpec
	keyID     int
	label     *string
	selector  hsm.KeySelector
	newPIN    string
	der       []byte
	csrReq    hsm.CSRRequest
	certReq   hsm.CertificateRequest
	pemSource string
}

var _ hsm.Manager = (*fakeManager)(nil)

func (f *fakeManager) call(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeManager) Initialized() bool { return f.initialized }

func (f *fakeManager) Login(_ context.Context, asSO bool) (bool, error) {
	f.calls = append(f.calls, fmt.Sprintf("login(so=%t)", asSO))
	if len(f.logins) == 0 {
		return false, f.err
	}
	ok := f.logins[0]
	f.logins = f.logins[1:]
	return ok, f.err
}

func (f *fakeManager) Initialize(context.Context) error  { return f.call("initialize") }
func (f *fakeManager) Format(context.Context) error      { return f.call("format") }
func (f *fakeManager) List(context.Context) error        { return f.call("list") }
func (f *fakeManager) Explore(context.Context) error     { return f.call("explore") }
func (f *fakeManager) CheckEngine(context.Context) error { return f.call("checkengine") }
func (f *fakeManager) UnblockPIN(context.Context) error  { return f.call("unblock") }

func (f *fakeManager) ChangePIN(_ context.Context, next string) error {
	f.newPIN = next
	return f.call("changepin")
}

func (f *fakeManager) ChangeSOPIN(_ context.Context, next string) error {
	f.newPIN = next
	return f.call("changesopin")
}

func (f *fakeManager) Keygen(_ context.Context, spec hsm.KeySpec, id int, label *string) error {
	f.keySpec, f.keyID, f.label = spec, id, label
	return f.call("keygen")
}

func (f *fakeManager) GetPublicKey(_ context.Context, sel hsm.KeySelector) (*hsm.PublicKey, error) {
	f.selector = sel
	return f.pubkey, f.call("getpubkey")
}

func (f *fakeManager) RemoveKey(_ context.Context, sel hsm.KeySelector) error {
	f.selector = sel
	return f.call("removekey")
}

func (f *fakeManager) PutCertificate(_ context.Context, der []byte, id int, label *string) error {
	f.der, f.keyID, f.label = der, id, label
	return f.call("putcrt")
}

func (f *fakeManager) CertificateToDER(_ context.Context, pemFile string) ([]byte, error) {
	f.pemSource = pemFile
	return []byte("DER"), f.call("x509")
}

func (f *fakeManager) GenerateCSR(_ context.Context, req hsm.CSRRequest) ([]byte, error) {
	f.csrReq = req
	return []byte("-----BEGIN CERTIFICATE REQUEST-----\n"), f.call("gencsr")
}

func (f *fakeManager) GenerateCertificate(_ context.Context, req hsm.CertificateRequest) ([]byte, error) {
	f.certReq = req
	return []byte("-----BEGIN CERTIFICATE-----\n"), f.call("gencrt")
}

func (f *fakeManager) PKCS11Module() (hsm.SharedObject, error) {
	return f.module, nil
}

// fakePrompter answers prompts from a script
type fakePrompter struct {
	interactive bool
	secrets     []string
	confirm     bool
	prompts     []string
}

func (p *fakePrompter) Interactive() bool { return p.interactive }

func (p *fakePrompter) ReadSecret(prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if !p.interactive || len(p.secrets) == 0 {
		return "", errNotInteractive
	}
	s := p.secrets[0]
	p.secrets = p.secrets[1:]
	return s, nil
}

func (p *fakePrompter) Confirm(prompt string) (bool, error) {
	p.prompts = append(p.prompts, prompt)
	if !p.interactive {
		return false, errNotInteractive
	}
	return p.confirm, nil
}

type fakeSigner struct {
	subject string
	days    int
	hash    string
	closed  bool
}

func (s *fakeSigner) CreateCSR(subject, hash string) ([]byte, error) {
	s.subject, s.hash = subject, hash
	return []byte("native csr\n"), nil
}

func (s *fakeSigner) CreateCertificate(subject string, days int, hash string) ([]byte, error) {
	s.subject, s.days, s.hash = subject, days, hash
	return []byte("native crt\n"), nil
}

func (s *fakeSigner) Close() error {
	s.closed = true
	return nil
}

type harness struct {
	t        *testing.T
	app      *app
	manager  *fakeManager
	prompter *fakePrompter
	env      map[string]string
	opened   []hsm.Options
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	config   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	config := filepath.Join(dir, "hsmwiz.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`
device:
  so_path: [%q]
logging:
  level: error
  file: %q
`, dir, filepath.Join(dir, "hsmwiz.log"))), 0o600))

	h := &harness{
		t:        t,
		manager:  &fakeManager{module: hsm.SharedObject{Name: "opensc-pkcs11.so", Path: "/usr/lib/opensc-pkcs11.so"}},
		prompter: &fakePrompter{},
		env:      map[string]string{},
		config:   config,
	}

	a := newApp()
	a.stdout = &h.stdout
	a.stderr = &h.stderr
	a.prompter = h.prompter
	a.getenv = func(k string) string { return h.env[k] }
	a.retryInterval = 0
	a.executor = cmdexec.NewOSExecutor(nil)
	a.openSession = func(_ context.Context, opts hsm.Options) (hsm.Manager, error) {
		h.opened = append(h.opened, opts)
		return h.manager, nil
	}
	h.app = a
	return h
}

func (h *harness) run(args ...string) error {
	cmd := newRootCmd(h.app)
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	cmd.SetOut(&h.stdout)
	cmd.SetErr(&h.stderr)
	return cmd.ExecuteContext(context.Background())
}

func (h *harness) lastOptions() hsm.Options {
	h.t.Helper()
	require.NotEmpty(h.t, h.opened)
	return h.opened[len(h.opened)-1]
}

func TestIdentifyCommand(t *testing.T) {
	tests := []struct {
		name        string
		initialized bool
		want        string
	}{
		{name: "initialized", initialized: true, want: "Device is initialized.\n"},
		{name: "virgin", initialized: false, want: "Device has never been initialized; run 'hsmwiz init'.\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.manager.initialized = tt.initialized

			require.NoError(t, h.run("identify"))
			assert.Equal(t, tt.want, h.stdout.String())
			assert.Nil(t, h.lastOptions().PIN)
		})
	}
}

func TestSessionOptionsFromConfig(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("--so-path", "/opt/a:/opt/b", "-vv", "identify"))
	opts := h.lastOptions()
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, opts.SearchPath)
	assert.Equal(t, "opensc-pkcs11.so", opts.PKCS11Module)
	assert.Equal(t, []string{"pkcs11.so", "libpkcs11.so"}, opts.EngineModules)
	assert.Equal(t, "pkcs11-tool", opts.Tools.PKCS11Tool)
	assert.True(t, opts.Verbose)
	assert.NotNil(t, opts.Executor)
}

func TestVerifyPINCommand(t *testing.T) {
	t.Run("flag pin accepted", func(t *testing.T) {
		h := newHarness(t)
		h.manager.logins = []bool{true}

		require.NoError(t, h.run("verifypin", "--pin", "648219"))
		assert.Equal(t, "PIN correct.\n", h.stderr.String())
		assert.Equal(t, "648219", *h.lastOptions().PIN)
		assert.Equal(t, []string{"login(so=false)"}, h.manager.calls)
	})

	t.Run("flag pin rejected is not retried", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true
		h.prompter.secrets = []string{"123456"}
		h.manager.logins = []bool{false, true}

		err := h.run("verifypin", "--pin", "000000", "--attempts", "3")
		assert.ErrorIs(t, err, hsm.ErrAuthentication)
		assert.Len(t, h.manager.calls, 1)
		assert.Empty(t, h.prompter.prompts)
	})

	t.Run("interactive re-prompt", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true
		h.prompter.secrets = []string{"000000", "648219"}
		h.manager.logins = []bool{false, true}

		require.NoError(t, h.run("verifypin", "--attempts", "3"))
		assert.Equal(t, "PIN was WRONG!\nPIN correct.\n", h.stderr.String())
		require.Len(t, h.opened, 2)
		assert.Equal(t, "000000", *h.opened[0].PIN)
		assert.Equal(t, "648219", *h.opened[1].PIN)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true
		h.prompter.secrets = []string{"1", "2", "3"}
		h.manager.logins = []bool{false, false}

		err := h.run("verifypin", "--attempts", "2")
		assert.ErrorIs(t, err, hsm.ErrAuthentication)
		assert.Len(t, h.opened, 2)
	})

	t.Run("so pin from environment", func(t *testing.T) {
		h := newHarness(t)
		h.env[envSOPIN] = hsm.DefaultSOPIN
		h.manager.logins = []bool{true}

		require.NoError(t, h.run("verifypin", "--verify-sopin"))
		assert.Equal(t, "SO-PIN correct.\n", h.stderr.String())
		assert.Nil(t, h.lastOptions().PIN)
		assert.Equal(t, hsm.DefaultSOPIN, *h.lastOptions().SOPIN)
		assert.Equal(t, []string{"login(so=true)"}, h.manager.calls)
	})

	t.Run("no pin and no terminal", func(t *testing.T) {
		h := newHarness(t)

		err := h.run("verifypin")
		assert.ErrorIs(t, err, hsm.ErrConfiguration)
		assert.Empty(t, h.opened)
	})
}

func TestInitCommand(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("init"))
	assert.Equal(t, []string{"initialize"}, h.manager.calls)
	assert.Contains(t, h.stdout.String(), hsm.DefaultSOPIN)
	assert.Contains(t, h.stdout.String(), hsm.DefaultPIN)
}

func TestFormatCommand(t *testing.T) {
	t.Run("force", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.run("format", "--so-pin", "0123456789abcdef", "--force"))
		assert.Equal(t, []string{"format"}, h.manager.calls)
		assert.Equal(t, "0123456789abcdef", *h.lastOptions().SOPIN)
	})

	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true
		h.prompter.confirm = true

		require.NoError(t, h.run("format", "--so-pin", hsm.DefaultSOPIN))
		assert.Equal(t, []string{"format"}, h.manager.calls)
	})

	t.Run("declined", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true

		err := h.run("format", "--so-pin", hsm.DefaultSOPIN)
		assert.EqualError(t, err, "format aborted")
		assert.Empty(t, h.opened)
	})

	t.Run("non-interactive without force", func(t *testing.T) {
		h := newHarness(t)

		err := h.run("format", "--so-pin", hsm.DefaultSOPIN)
		assert.ErrorIs(t, err, hsm.ErrConfiguration)
		assert.Empty(t, h.manager.calls)
	})
}

func TestChangePINCommand(t *testing.T) {
	t.Run("explicit new pin", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.run("changepin", "--old", "648219", "--new", "123456"))
		assert.Equal(t, []string{"changepin"}, h.manager.calls)
		assert.Equal(t, "123456", h.manager.newPIN)
		assert.Equal(t, "648219", *h.lastOptions().PIN)
		assert.Nil(t, h.lastOptions().SOPIN)
	})

	t.Run("randomized pin", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.run("changepin", "--old", "648219", "--randomize-new"))
		assert.Len(t, h.manager.newPIN, 6)
		assert.Equal(t, "New PIN: "+h.manager.newPIN+"\n", h.stdout.String())
	})

	t.Run("randomized so pin", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.run("changepin", "--affect-so-pin", "--old", hsm.DefaultSOPIN, "--randomize-new"))
		assert.Equal(t, []string{"changesopin"}, h.manager.calls)
		assert.Len(t, h.manager.newPIN, 16)
		assert.Contains(t, h.stdout.String(), "--> New SO-PIN: "+h.manager.newPIN+" <--")
		assert.Equal(t, hsm.DefaultSOPIN, *h.lastOptions().SOPIN)
	})

	t.Run("prompted new pin must match", func(t *testing.T) {
		h := newHarness(t)
		h.prompter.interactive = true
		h.prompter.secrets = []string{"648219", "111111", "222222"}

		err := h.run("changepin")
		assert.ErrorIs(t, err, hsm.ErrConfiguration)
		assert.Empty(t, h.manager.calls)
	})

	t.Run("new and randomize are exclusive", func(t *testing.T) {
		h := newHarness(t)

		err := h.run("changepin", "--old", "1", "--new", "2", "--randomize-new")
		assert.Error(t, err)
		assert.Empty(t, h.opened)
	})
}

func TestUnblockCommand(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("unblock", "--so-pin", hsm.DefaultSOPIN))
	assert.Equal(t, []string{"unblock"}, h.manager.calls)
	assert.Equal(t, hsm.DefaultSOPIN, *h.lastOptions().SOPIN)
	assert.Nil(t, h.lastOptions().PIN, "new PIN is left to the tool prompt")
}

func TestKeygenCommand(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("genkey", "EC:prime256v1", "--id", "0x10", "--label", "web", "--pin", "648219"))
	assert.Equal(t, hsm.KeySpec{Algorithm: hsm.AlgorithmEC, Parameter: "prime256v1"}, h.manager.keySpec)
	assert.Equal(t, 16, h.manager.keyID)
	require.NotNil(t, h.manager.label)
	assert.Equal(t, "web", *h.manager.label)

	err := h.run("keygen", "dsa:1024")
	assert.ErrorIs(t, err, hsm.ErrConfiguration)
}

func TestGetKeyCommand(t *testing.T) {
	pub := &hsm.PublicKey{Type: hsm.KeyTypeECC, PEM: []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")}

	t.Run("pem by label", func(t *testing.T) {
		h := newHarness(t)
		h.manager.pubkey = pub

		require.NoError(t, h.run("getpubkey", "--label", "web"))
		assert.Equal(t, "# ECC key:\n"+string(pub.PEM), h.stdout.String())
		label, ok := h.manager.selector.Label()
		assert.True(t, ok)
		assert.Equal(t, "web", label)
	})

	t.Run("selector required", func(t *testing.T) {
		h := newHarness(t)

		err := h.run("getkey")
		assert.ErrorIs(t, err, hsm.ErrConfiguration)
		assert.Empty(t, h.opened)
	})

	t.Run("bad format", func(t *testing.T) {
		h := newHarness(t)

		err := h.run("getkey", "--id", "1", "-f", "der")
		assert.ErrorIs(t, err, hsm.ErrConfiguration)
	})
}

func TestRemoveKeyCommand(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("deletekey", "--id", "3"))
	id, ok := h.manager.selector.ID()
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	assert.Error(t, h.run("removekey", "--id", "3", "--label", "x"))
}

func TestPutCRTCommand(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("putcrt", "cert.pem", "-i", "2"))
	assert.Equal(t, []string{"x509", "putcrt"}, h.manager.calls)
	assert.Equal(t, "cert.pem", h.manager.pemSource)
	assert.Equal(t, []byte("DER"), h.manager.der)
	assert.Equal(t, 2, h.manager.keyID)
	assert.Nil(t, h.manager.label)
}

func TestGenCSRCommand(t *testing.T) {
	t.Run("engine to stdout", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.run("gencsr", "--pin", "648219"))
		assert.Equal(t, hsm.CSRRequest{KeyID: 1, Subject: hsm.DefaultSubject}, h.manager.csrReq)
		assert.Equal(t, "-----BEGIN CERTIFICATE REQUEST-----\n", h.stdout.String())
	})

	t.Run("engine to file", func(t *testing.T) {
		h := newHarness(t)
		out := filepath.Join(t.TempDir(), "req.pem")

		require.NoError(t, h.run("gencsr", "--pin", "648219", "-s", "/CN=x", "-i", "4", "-o", out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "-----BEGIN CERTIFICATE REQUEST-----\n", string(data))
		assert.Empty(t, h.stdout.String())
		assert.Equal(t, 4, h.manager.csrReq.KeyID)
	})

	t.Run("native", func(t *testing.T) {
		h := newHarness(t)
		signer := &fakeSigner{}
		var got p11.SignerConfig
		h.app.openSigner = func(cfg p11.SignerConfig) (nativeSigner, error) {
			got = cfg
			return signer, nil
		}

		require.NoError(t, h.run("gencsr", "--native", "--pin", "648219", "-i", "10", "--slot", "2"))
		assert.Equal(t, "native csr\n", h.stdout.String())
		assert.Equal(t, "/usr/lib/opensc-pkcs11.so", got.ModulePath)
		assert.Equal(t, []byte{0x10}, got.KeyID)
		assert.Equal(t, "648219", got.PIN)
		assert.Equal(t, 2, got.SlotNumber)
		assert.Empty(t, got.TokenLabel)
		assert.True(t, signer.closed)
		assert.Empty(t, h.manager.calls)
	})

	t.Run("native by token label", func(t *testing.T) {
		h := newHarness(t)
		signer := &fakeSigner{}
		var got p11.SignerConfig
		h.app.openSigner = func(cfg p11.SignerConfig) (nativeSigner, error) {
			got = cfg
			return signer, nil
		}

		require.NoError(t, h.run("gencrt", "--native", "--pin", "648219", "--token-label", "SmartCard-HSM (UserPIN)"))
		assert.Equal(t, "native crt\n", h.stdout.String())
		assert.Equal(t, "SmartCard-HSM (UserPIN)", got.TokenLabel)
		assert.Equal(t, 365, signer.days)
		assert.Equal(t, "sha256", signer.hash)

		assert.Error(t, h.run("gencsr", "--native", "--pin", "1", "--slot", "1", "--token-label", "x"))
	})

	t.Run("native open failure is a signing error", func(t *testing.T) {
		h := newHarness(t)
		h.app.openSigner = func(p11.SignerConfig) (nativeSigner, error) {
			return nil, p11.ErrKeyNotFound
		}

		err := h.run("gencsr", "--native", "--pin", "648219")
		assert.ErrorIs(t, err, hsm.ErrSigning)
		assert.ErrorIs(t, err, p11.ErrKeyNotFound)
	})
}

func TestGenCRTCommand(t *testing.T) {
	h := newHarness(t)
	h.env[envPIN] = "648219"

	require.NoError(t, h.run("gencrt", "--validity-days", "30", "--hashfnc", "sha512", "-s", "/CN=y"))
	assert.Equal(t, hsm.CertificateRequest{
		KeyID:         1,
		Subject:       "/CN=y",
		ValidityDays:  30,
		HashAlgorithm: "sha512",
	}, h.manager.certReq)

	err := h.run("gencrt", "--validity-days", "0")
	assert.ErrorIs(t, err, hsm.ErrConfiguration)
}

func TestTokenInfoCommand(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Dir(h.config)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opensc-pkcs11.so"), []byte("ELF"), 0o644))
	h.app.listTokens = func(module string) ([]p11.TokenInfo, error) {
		assert.Equal(t, filepath.Join(dir, "opensc-pkcs11.so"), module)
		return []p11.TokenInfo{{SlotID: 0, Label: "SmartCard-HSM (UserPIN)", SerialNumber: "DENK01"}}, nil
	}

	require.NoError(t, h.run("tokeninfo"))
	out := h.stdout.String()
	assert.Contains(t, out, "Slot 0")
	assert.Contains(t, out, "SmartCard-HSM (UserPIN)")
	assert.Contains(t, out, "User PIN:     ok")
	assert.Empty(t, h.opened)
}

func TestTokenInfoMissingModule(t *testing.T) {
	h := newHarness(t)

	err := h.run("tokeninfo")
	assert.ErrorIs(t, err, hsm.ErrMissingSharedObject)
}

func TestDeviceErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.manager.err = &hsm.ToolError{Kind: hsm.ErrDevice, Action: "explore device", Command: "opensc-explorer", ExitCode: 1}

	err := h.run("explore")
	assert.ErrorIs(t, err, hsm.ErrDevice)
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, &hsm.ToolError{
		Kind:     hsm.ErrDevice,
		Action:   "remove private key id 07",
		Command:  "pkcs11-tool --pin ****",
		ExitCode: 1,
		Output:   []byte("error: object not found"),
	})
	assert.Equal(t,
		"Error: remove private key id 07: pkcs11-tool --pin **** exited with status 1\n"+
			"Output of pkcs11-tool --pin ****:\nerror: object not found\n",
		buf.String())

	buf.Reset()
	printError(&buf, errors.New("plain"))
	assert.Equal(t, "Error: plain\n", buf.String())
}

func TestMetricsTextfile(t *testing.T) {
	h := newHarness(t)
	prom := filepath.Join(t.TempDir(), "hsmwiz.prom")
	t.Setenv("HSMWIZ_METRICS_TEXTFILE", prom)

	require.NoError(t, h.run("identify"))
	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `hsmwiz_operations_total{operation="identify",status="success"} 1`)
}
