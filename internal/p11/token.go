package p11

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"
)

// ErrModuleLoad is returned when the PKCS#11 module cannot be dlopen'ed
var ErrModuleLoad = errors.New("cannot load PKCS#11 module")

// TokenInfo describes a token present in a slot
type TokenInfo struct {
	SlotID         uint
	Label          string
	ManufacturerID string
	Model          string
	SerialNumber   string
	Flags          uint
}

// Initialized reports CKF_TOKEN_INITIALIZED
func (t TokenInfo) Initialized() bool { return t.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0 }

// UserPINLocked reports whether the user PIN is blocked
func (t TokenInfo) UserPINLocked() bool { return t.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0 }

// UserPINFinalTry reports whether one more wrong PIN blocks the token
func (t TokenInfo) UserPINFinalTry() bool { return t.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0 }

// UserPINCountLow reports whether a wrong PIN has been entered since the last success
func (t TokenInfo) UserPINCountLow() bool { return t.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0 }

// SOPINLocked reports whether the SO-PIN is blocked
func (t TokenInfo) SOPINLocked() bool { return t.Flags&pkcs11.CKF_SO_PIN_LOCKED != 0 }

// PINState summarizes the user PIN flags in one word
func (t TokenInfo) PINState() string {
	switch {
	case t.UserPINLocked():
		return "locked"
	case t.UserPINFinalTry():
		return "final-try"
	case t.UserPINCountLow():
		return "count-low"
	default:
		return "ok"
	}
}

// ListTokens loads modulePath and returns every slot that holds a token.
func ListTokens(modulePath string) ([]TokenInfo, error) {
	p := pkcs11.New(modulePath)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoad, modulePath)
	}
	defer p.Destroy()

	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize PKCS#11 module: %w", err)
	}
	defer p.Finalize()

	// Get slot list
	slots, err := p.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("get slot list: %w", err)
	}

	tokens := make([]TokenInfo, 0, len(slots))
	for _, slot := range slots {
		info, err := p.GetTokenInfo(slot)
		if err != nil {
			return nil, fmt.Errorf("get token info for slot %d: %w", slot, err)
		}
		tokens = append(tokens, tokenInfo(slot, info))
	}
	return tokens, nil
}

// tokenInfo trims the space padding PKCS#11 applies to fixed-size fields
func tokenInfo(slot uint, info pkcs11.TokenInfo) TokenInfo {
	return TokenInfo{
		SlotID:         slot,
		Label:          strings.TrimRight(info.Label, " \x00"),
		ManufacturerID: strings.TrimRight(info.ManufacturerID, " \x00"),
		Model:          strings.TrimRight(info.Model, " \x00"),
		SerialNumber:   strings.TrimRight(info.SerialNumber, " \x00"),
		Flags:          info.Flags,
	}
}
