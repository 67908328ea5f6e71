package authchain

import (
	"context"
	"fmt"
)

// Method type identifiers, used as step types on the wire and as the
// method_type key of credential records.
const (
	// MethodTOTP is the time-based one-time code method.
	MethodTOTP = "totp"
	// MethodRecoveryCodes is the single-use recovery code method.
	MethodRecoveryCodes = "recovery-codes"
	// MethodEmailCode is the emailed one-time code method.
	MethodEmailCode = "email-code"
	// MethodSecurityKey is the hardware security key method.
	MethodSecurityKey = "security-key"
)

// MethodInfo is the static, deployment-facing description of a method.
type MethodInfo struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// ActionItem is an extra user-facing action a method offers beyond
// verification, such as downloading recovery codes.
type ActionItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// StepPayload is everything a client needs to render and drive one step.
// Fields carries method-specific data (a provisioning URI, option blobs,
// freshly generated codes); HTML is an opaque fragment from the Renderer.
// Secrets already confirmed are never included.
type StepPayload struct {
	Method  string            `json:"method"`
	Setup   bool              `json:"setup"`
	HTML    string            `json:"html,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Actions []ActionItem      `json:"actions,omitempty"`
}

// Method is the polymorphic verification contract. One implementation per
// method type is registered at Build and looked up by string key from the
// wire protocol.
//
// Verify returns false with a nil error for a wrong code; errors are
// reserved for rejected actions and backend failures. On success it performs
// the method's side effects: promoting a staged secret to a credential
// record on first confirmation, or consuming a single-use entry.
type Method interface {
	Type() string
	Info() MethodInfo

	// IsSetUp reports whether a confirmed credential exists for the user.
	// No side effects.
	IsSetUp(ctx context.Context, user User) (bool, error)

	// SetupPayload produces what the client needs for first-time setup. It
	// may stage a transient secret; re-invocation reuses the staged value
	// rather than orphaning it.
	SetupPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error)

	// VerifyPayload produces the prompt for an already-set-up method.
	VerifyPayload(ctx context.Context, scope Scope, user User) (*StepPayload, error)

	Verify(ctx context.Context, scope Scope, user User, data map[string]string) (bool, error)

	// Remove deletes the credential record; idempotent.
	Remove(ctx context.Context, user User) error

	ActionItems() []ActionItem
}

// Registry maps method type identifiers to implementations. It is populated
// during Build and read-only afterwards, so lookups need no locking.
type Registry struct {
	methods map[string]Method
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds a method. Registering the same type twice is an error.
func (r *Registry) Register(m Method) error {
	t := m.Type()
	if _, dup := r.methods[t]; dup {
		return fmt.Errorf("method %q already registered", t)
	}
	r.methods[t] = m
	r.order = append(r.order, t)
	return nil
}

// Get returns the method for a type identifier, or ErrMethodUnknown.
func (r *Registry) Get(methodType string) (Method, error) {
	m, ok := r.methods[methodType]
	if !ok {
		return nil, ErrMethodUnknown
	}
	return m, nil
}

// Types lists registered type identifiers in registration order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// Infos describes the given method types, skipping unregistered ones.
func (r *Registry) Infos(types []string) []MethodInfo {
	infos := make([]MethodInfo, 0, len(types))
	for _, t := range types {
		if m, ok := r.methods[t]; ok {
			infos = append(infos, m.Info())
		}
	}
	return infos
}

func renderStep(ctx context.Context, r Renderer, methodType, view string, fields map[string]string) (string, error) {
	if r == nil {
		return "", nil
	}
	return r.RenderStep(ctx, methodType, view, fields)
}
