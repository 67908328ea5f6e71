package authchain

import (
	"context"

	"github.com/mfauth/authchain/transient"
)

// Scope identifies the partial session and user a chain run belongs to.
// Chain state and staged secrets are keyed by it, never looked up ambiently.
type Scope = transient.Scope

// User is the identity the chain authenticates. It is owned by the
// surrounding system; the engine only reads it. RequireChain marks users for
// whom the chain is mandatory: their unmet slots demand first-time setup,
// while other users simply skip slots they have no method configured for.
type User struct {
	ID           string
	Name         string
	Email        string
	RequireChain bool
}

// account returns the label used in provisioning URIs.
func (u User) account() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// CodeSender delivers an emailed one-time code. The engine never inspects
// how delivery happens.
type CodeSender interface {
	Send(ctx context.Context, user User, code string) error
}

// Elevation reports whether the session recently re-authenticated. When
// configured, it gates first-time persistence of new secrets; verification
// of already-confirmed credentials is never gated.
type Elevation interface {
	IsElevated(ctx context.Context, scope Scope) bool
}

// Renderer produces the HTML fragment embedded in a step payload. The
// fragment is opaque to the engine. view is "setup" or "verify"; data is the
// same field map the payload carries. A nil Renderer yields empty fragments.
type Renderer interface {
	RenderStep(ctx context.Context, methodType, view string, data map[string]string) (string, error)
}

// AssertionVerifier is the external capability performing security-key
// registration and assertion cryptography. Options and descriptors are
// opaque blobs; the engine only enforces the chain-level contract: one
// challenge per attempt, and the returned response is checked against the
// challenge that was issued.
type AssertionVerifier interface {
	RegistrationOptions(ctx context.Context, user User, challenge []byte) ([]byte, error)
	VerifyRegistration(ctx context.Context, user User, challenge, response []byte) (descriptor []byte, err error)
	AssertionOptions(ctx context.Context, user User, descriptor, challenge []byte) ([]byte, error)
	VerifyAssertion(ctx context.Context, user User, descriptor, challenge, response []byte) (bool, error)
}

// SkipPolicy decides whether a slot is already satisfied by context (for
// example a trusted-device marker) and may be skipped for this run. The
// default policy never skips.
type SkipPolicy func(ctx context.Context, user User, slotIndex int, slot Slot) bool
