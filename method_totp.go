package authchain

import (
	"context"
	"errors"
	"time"

	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/transient"
)

const stagingTOTPSeed = "totp-seed"

// totpMethod implements time-based one-time codes. Until the first valid
// code is submitted, the seed exists only in the transient store; the first
// successful verification promotes it to a credential record exactly once.
type totpMethod struct {
	totp       *totpManager
	creds      credential.Store
	transients *transient.Store
	elevation  Elevation
	renderer   Renderer
	clock      func() time.Time
}

func (m *totpMethod) Type() string { return MethodTOTP }

func (m *totpMethod) Info() MethodInfo {
	return MethodInfo{
		Type:        MethodTOTP,
		DisplayName: "Authenticator app",
		Description: "Enter a code from an authenticator app on your device.",
	}
}

func (m *totpMethod) IsSetUp(ctx context.Context, user User) (bool, error) {
	_, err := m.creds.Get(ctx, user.ID, MethodTOTP)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *totpMethod) SetupPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	seed, _, err := m.totp.NewSeed()
	if err != nil {
		return nil, err
	}

	// A retried setup request keeps the originally staged seed.
	staged, _, err := m.transients.PutOnce(ctx, scope, stagingTOTPSeed, seed)
	if err != nil {
		return nil, err
	}

	encoded := b32.EncodeToString(staged)
	fields := map[string]string{
		"secret": encoded,
		"uri":    m.totp.ProvisionURI(encoded, user.account()),
	}
	html, err := renderStep(ctx, m.renderer, MethodTOTP, "setup", fields)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodTOTP, Setup: true, HTML: html, Fields: fields}, nil
}

func (m *totpMethod) VerifyPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	html, err := renderStep(ctx, m.renderer, MethodTOTP, "verify", nil)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodTOTP, HTML: html}, nil
}

func (m *totpMethod) Verify(ctx context.Context, scope Scope, user User, data map[string]string) (bool, error) {
	code := data["code"]
	now := m.clock()

	rec, err := m.creds.Get(ctx, user.ID, MethodTOTP)
	switch {
	case err == nil:
		ok, counter, verr := m.totp.Verify(rec.Secret, code, now)
		if verr != nil {
			return false, verr
		}
		if !ok {
			return false, nil
		}
		// A counter that does not advance is a replayed code.
		advanced, aerr := m.creds.AdvanceCounter(ctx, user.ID, MethodTOTP, counter, now.Unix())
		if aerr != nil {
			return false, aerr
		}
		return advanced, nil

	case errors.Is(err, credential.ErrNotFound):
		return m.confirmSetup(ctx, scope, user, code, now)

	default:
		return false, err
	}
}

// confirmSetup verifies a code against the staged seed and, on the first
// success, promotes it to the durable record. A concurrent confirmation that
// loses the SaveNew race observes "already confirmed" and succeeds without
// overwriting.
func (m *totpMethod) confirmSetup(ctx context.Context, scope Scope, user User, code string, now time.Time) (bool, error) {
	staged, err := m.transients.Get(ctx, scope, stagingTOTPSeed)
	if err != nil {
		if errors.Is(err, transient.ErrNotFound) {
			return false, ErrSetupExpired
		}
		return false, err
	}

	ok, counter, err := m.totp.Verify(staged, code, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if m.elevation != nil && !m.elevation.IsElevated(ctx, scope) {
		return false, ErrNotElevated
	}

	err = m.creds.SaveNew(ctx, &credential.Record{
		UserID:     user.ID,
		MethodType: MethodTOTP,
		Secret:     staged,
		Counter:    counter,
		CreatedAt:  now.Unix(),
	})
	if err != nil && !errors.Is(err, credential.ErrExists) {
		return false, err
	}

	// A leftover staged seed self-heals by expiring, so a failed delete is
	// not fatal.
	_ = m.transients.Delete(ctx, scope, stagingTOTPSeed)
	return true, nil
}

func (m *totpMethod) Remove(ctx context.Context, user User) error {
	return m.creds.Delete(ctx, user.ID, MethodTOTP)
}

func (m *totpMethod) ActionItems() []ActionItem { return nil }
