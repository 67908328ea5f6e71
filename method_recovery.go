package authchain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/internal/secrets"
)

// recoveryMethod implements single-use recovery codes. Codes are generated
// server-side and persisted immediately as hashes — there is no staged state
// to confirm, so generation is the setup. Consuming a code is a single
// atomic match-and-mark against the store.
type recoveryMethod struct {
	config    RecoveryCodesConfig
	creds     credential.Store
	elevation Elevation
	renderer  Renderer
	clock     func() time.Time
}

func (m *recoveryMethod) Type() string { return MethodRecoveryCodes }

func (m *recoveryMethod) Info() MethodInfo {
	return MethodInfo{
		Type:        MethodRecoveryCodes,
		DisplayName: "Recovery codes",
		Description: "Enter one of your single-use recovery codes.",
	}
}

func (m *recoveryMethod) IsSetUp(ctx context.Context, user User) (bool, error) {
	_, err := m.creds.Get(ctx, user.ID, MethodRecoveryCodes)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *recoveryMethod) SetupPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	if m.elevation != nil && !m.elevation.IsElevated(ctx, scope) {
		return nil, ErrNotElevated
	}

	codes, err := m.generate(ctx, user)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{"codes": strings.Join(codes, "\n")}
	html, err := renderStep(ctx, m.renderer, MethodRecoveryCodes, "setup", fields)
	if err != nil {
		return nil, err
	}
	return &StepPayload{
		Method:  MethodRecoveryCodes,
		Setup:   true,
		HTML:    html,
		Fields:  fields,
		Actions: m.ActionItems(),
	}, nil
}

func (m *recoveryMethod) VerifyPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	html, err := renderStep(ctx, m.renderer, MethodRecoveryCodes, "verify", nil)
	if err != nil {
		return nil, err
	}
	return &StepPayload{Method: MethodRecoveryCodes, HTML: html, Actions: m.ActionItems()}, nil
}

// generate replaces the whole code set in one atomic write, invalidating
// every code from the previous set whether used or not. The plaintext codes
// are returned once and never stored.
func (m *recoveryMethod) generate(ctx context.Context, user User) ([]string, error) {
	entries := make([]credential.CodeEntry, 0, m.config.Count)
	display := make([]string, 0, m.config.Count)

	for i := 0; i < m.config.Count; i++ {
		code, err := secrets.NewCode(m.config.Length)
		if err != nil {
			return nil, err
		}
		entries = append(entries, credential.CodeEntry{Hash: secrets.Hash(user.ID, code)})
		display = append(display, secrets.Group(code, m.config.GroupSize))
	}

	secret, err := credential.EncodeCodeEntries(entries)
	if err != nil {
		return nil, err
	}
	err = m.creds.Save(ctx, &credential.Record{
		UserID:     user.ID,
		MethodType: MethodRecoveryCodes,
		Secret:     secret,
		CreatedAt:  m.clock().Unix(),
	})
	if err != nil {
		return nil, err
	}
	return display, nil
}

func (m *recoveryMethod) Verify(ctx context.Context, scope Scope, user User, data map[string]string) (bool, error) {
	canonical := secrets.Canonicalize(data["code"])
	if len(canonical) != m.config.Length {
		return false, nil
	}

	ok, err := m.creds.ConsumeCode(ctx, user.ID, MethodRecoveryCodes,
		secrets.Hash(user.ID, canonical), m.clock().Unix())
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (m *recoveryMethod) Remove(ctx context.Context, user User) error {
	return m.creds.Delete(ctx, user.ID, MethodRecoveryCodes)
}

func (m *recoveryMethod) ActionItems() []ActionItem {
	return []ActionItem{
		{ID: "regenerate", Label: "Generate new recovery codes"},
		{ID: "download", Label: "Download recovery codes"},
	}
}
