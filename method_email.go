package authchain

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/mfauth/authchain/internal/secrets"
	"github.com/mfauth/authchain/transient"
)

const stagingEmailCode = "email-code"

// emailMethod implements emailed one-time codes. The code lives only in the
// session-scoped store and is removed on the first verification attempt,
// successful or not — single use by construction, with nothing durable to
// consume or rotate.
type emailMethod struct {
	config     EmailCodeConfig
	transients *transient.Store
	sender     CodeSender
	renderer   Renderer
}

func (m *emailMethod) Type() string { return MethodEmailCode }

func (m *emailMethod) Info() MethodInfo {
	return MethodInfo{
		Type:        MethodEmailCode,
		DisplayName: "Email code",
		Description: "Enter the one-time code sent to your email address.",
	}
}

func (m *emailMethod) IsSetUp(ctx context.Context, user User) (bool, error) {
	return user.Email != "", nil
}

func (m *emailMethod) SetupPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	return m.issue(ctx, scope, user, true)
}

func (m *emailMethod) VerifyPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	return m.issue(ctx, scope, user, false)
}

// issue stages a fresh code and dispatches it. A retried request finds the
// already-staged code and does not send a second email.
func (m *emailMethod) issue(ctx context.Context, scope Scope, user User, setup bool) (*StepPayload, error) {
	if user.Email == "" {
		return nil, ErrEmailAddressMissing
	}

	code, err := secrets.NewCode(m.config.Length)
	if err != nil {
		return nil, err
	}
	staged, created, err := m.transients.PutOnce(ctx, scope, stagingEmailCode, []byte(code))
	if err != nil {
		return nil, err
	}
	if created {
		grouped := secrets.Group(string(staged), m.config.GroupSize)
		if err := m.sender.Send(ctx, user, grouped); err != nil {
			// Do not leave an undeliverable code behind.
			_ = m.transients.Delete(ctx, scope, stagingEmailCode)
			return nil, err
		}
	}

	fields := map[string]string{"sentTo": maskEmail(user.Email)}
	view := "verify"
	if setup {
		view = "setup"
	}
	html, err := renderStep(ctx, m.renderer, MethodEmailCode, view, fields)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodEmailCode, Setup: setup, HTML: html, Fields: fields}, nil
}

func (m *emailMethod) Verify(ctx context.Context, scope Scope, user User, data map[string]string) (bool, error) {
	// Take clears the staged code whatever the outcome of the comparison.
	staged, err := m.transients.Take(ctx, scope, stagingEmailCode)
	if err != nil {
		if errors.Is(err, transient.ErrNotFound) {
			return false, ErrSetupExpired
		}
		return false, err
	}

	submitted := secrets.Canonicalize(data["code"])
	want := secrets.Canonicalize(string(staged))
	if len(submitted) != len(want) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(want)) == 1, nil
}

func (m *emailMethod) Remove(ctx context.Context, user User) error {
	// Nothing durable exists for this method.
	return nil
}

func (m *emailMethod) ActionItems() []ActionItem {
	return []ActionItem{{ID: "resend", Label: "Send a new code"}}
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}
