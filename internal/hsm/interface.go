package hsm

import "context"

// Manager is the set of device-management operations offered by a Session
type Manager interface {
	// Initialized reports the device state probed when the session was opened
	Initialized() bool

	// Login tries the PIN (or SO-PIN when asSO is set); a rejected
	// credential yields false, not an error
	Login(ctx context.Context, asSO bool) (bool, error)

	// Initialize performs first-time setup with the factory default credentials
	Initialize(ctx context.Context) error

	// Format destroys all keys and certificates and restores factory credentials
	Format(ctx context.Context) error

	List(ctx context.Context) error
	Explore(ctx context.Context) error
	CheckEngine(ctx context.Context) error

	ChangePIN(ctx context.Context, newPIN string) error
	ChangeSOPIN(ctx context.Context, newSOPIN string) error
	UnblockPIN(ctx context.Context) error

	Keygen(ctx context.Context, spec KeySpec, id int, label *string) error
	GetPublicKey(ctx context.Context, sel KeySelector) (*PublicKey, error)
	RemoveKey(ctx context.Context, sel KeySelector) error
	PutCertificate(ctx context.Context, der []byte, id int, label *string) error
	CertificateToDER(ctx context.Context, pemFile string) ([]byte, error)

	GenerateCSR(ctx context.Context, req CSRRequest) ([]byte, error)
	GenerateCertificate(ctx context.Context, req CertificateRequest) ([]byte, error)

	// PKCS11Module resolves the PKCS#11 module on the session's search path
	PKCS11Module() (SharedObject, error)
}

var _ Manager = (*Session)(nil)
