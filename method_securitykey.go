package authchain

import (
	"context"
	"errors"
	"time"

	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/internal/secrets"
	"github.com/mfauth/authchain/transient"
)

const stagingKeyChallenge = "securitykey-challenge"

// securityKeyMethod implements hardware security key attestation. The
// asymmetric cryptography lives behind the AssertionVerifier collaborator;
// this method owns the chain-level contract: exactly one challenge per
// attempt, staged transiently, and the submitted response is always checked
// against the challenge that was issued for this scope.
type securityKeyMethod struct {
	config     SecurityKeyConfig
	creds      credential.Store
	transients *transient.Store
	verifier   AssertionVerifier
	elevation  Elevation
	renderer   Renderer
	clock      func() time.Time
}

func (m *securityKeyMethod) Type() string { return MethodSecurityKey }

func (m *securityKeyMethod) Info() MethodInfo {
	return MethodInfo{
		Type:        MethodSecurityKey,
		DisplayName: "Security key",
		Description: "Verify with a hardware security key.",
	}
}

func (m *securityKeyMethod) IsSetUp(ctx context.Context, user User) (bool, error) {
	_, err := m.creds.Get(ctx, user.ID, MethodSecurityKey)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *securityKeyMethod) SetupPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	challenge, err := m.stageChallenge(ctx, scope)
	if err != nil {
		return nil, err
	}
	options, err := m.verifier.RegistrationOptions(ctx, user, challenge)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{"options": string(options)}
	html, err := renderStep(ctx, m.renderer, MethodSecurityKey, "setup", fields)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodSecurityKey, Setup: true, HTML: html, Fields: fields}, nil
}

func (m *securityKeyMethod) VerifyPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	rec, err := m.creds.Get(ctx, user.ID, MethodSecurityKey)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, ErrNotSetUp
		}
		return nil, err
	}

	challenge, err := m.stageChallenge(ctx, scope)
	if err != nil {
		return nil, err
	}
	options, err := m.verifier.AssertionOptions(ctx, user, rec.Secret, challenge)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{"options": string(options)}
	html, err := renderStep(ctx, m.renderer, MethodSecurityKey, "verify", fields)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodSecurityKey, HTML: html, Fields: fields}, nil
}

// stageChallenge stages one challenge per attempt; a retried payload request
// re-issues the same challenge instead of orphaning the first.
func (m *securityKeyMethod) stageChallenge(ctx context.Context, scope Scope) ([]byte, error) {
	fresh, err := secrets.NewSeed(m.config.ChallengeSize)
	if err != nil {
		return nil, err
	}
	staged, _, err := m.transients.PutOnce(ctx, scope, stagingKeyChallenge, fresh)
	if err != nil {
		return nil, err
	}
	return staged, nil
}

func (m *securityKeyMethod) Verify(ctx context.Context, scope Scope, user User, data map[string]string) (bool, error) {
	response := []byte(data["response"])

	// The challenge backs exactly one verification attempt.
	challenge, err := m.transients.Take(ctx, scope, stagingKeyChallenge)
	if err != nil {
		if errors.Is(err, transient.ErrNotFound) {
			return false, ErrSetupExpired
		}
		return false, err
	}

	rec, err := m.creds.Get(ctx, user.ID, MethodSecurityKey)
	switch {
	case err == nil:
		ok, verr := m.verifier.VerifyAssertion(ctx, user, rec.Secret, challenge, response)
		if verr != nil {
			return false, nil
		}
		return ok, nil

	case errors.Is(err, credential.ErrNotFound):
		descriptor, verr := m.verifier.VerifyRegistration(ctx, user, challenge, response)
		if verr != nil {
			return false, nil
		}
		if m.elevation != nil && !m.elevation.IsElevated(ctx, scope) {
			return false, ErrNotElevated
		}
		serr := m.creds.SaveNew(ctx, &credential.Record{
			UserID:     user.ID,
			MethodType: MethodSecurityKey,
			Secret:     descriptor,
			CreatedAt:  m.clock().Unix(),
		})
		if serr != nil && !errors.Is(serr, credential.ErrExists) {
			return false, serr
		}
		return true, nil

	default:
		return false, err
	}
}

func (m *securityKeyMethod) Remove(ctx context.Context, user User) error {
	return m.creds.Delete(ctx, user.ID, MethodSecurityKey)
}

func (m *securityKeyMethod) ActionItems() []ActionItem { return nil }
