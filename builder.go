package authchain

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/transient"
)

// Builder assembles an Engine from configuration and collaborators. Configure
// it with the With* methods, then call Build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	creds     credential.Store
	sender    CodeSender
	renderer  Renderer
	elevation Elevation
	verifier  AssertionVerifier
	auditSink AuditSink
	skip      SkipPolicy
	clock     func() time.Time

	built bool
}

// New returns a Builder preloaded with defaults. The chain slots and the
// completion secret have no defaults and must come from WithConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration. Zero-valued sections keep
// no defaults; start from ConfigFromEnv or fill every section.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the redis client backing chain state, staged secrets, and
// the attempt limiter. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore overrides the credential backend. Defaults to the
// redis store; pass a credential.PostgresStore for durable persistence.
func (b *Builder) WithCredentialStore(store credential.Store) *Builder {
	b.creds = store
	return b
}

// WithSender sets the delivery channel for emailed codes. Required when the
// chain includes the email-code method.
func (b *Builder) WithSender(sender CodeSender) *Builder {
	b.sender = sender
	return b
}

// WithRenderer sets the optional step renderer producing HTML fragments for
// server-rendered clients.
func (b *Builder) WithRenderer(r Renderer) *Builder {
	b.renderer = r
	return b
}

// WithElevation sets the session elevation check gating new-secret
// persistence. Without it no elevation is enforced.
func (b *Builder) WithElevation(e Elevation) *Builder {
	b.elevation = e
	return b
}

// WithAssertionVerifier sets the authenticator attestation and assertion
// verifier. Required when the chain includes the security-key method.
func (b *Builder) WithAssertionVerifier(v AssertionVerifier) *Builder {
	b.verifier = v
	return b
}

// WithAuditSink sets the audit event receiver. Defaults to NoOpSink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSkipPolicy sets the per-slot skip hook consulted when resolving the
// next pending slot.
func (b *Builder) WithSkipPolicy(p SkipPolicy) *Builder {
	b.skip = p
	return b
}

// WithClock overrides the time source; tests use this to pin TOTP windows.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build validates the configuration against the supplied collaborators and
// assembles the engine. The builder cannot be reused afterwards.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	for _, slot := range cfg.Chain.Slots {
		if slot.has(MethodEmailCode) && b.sender == nil {
			return nil, errors.New("email-code in chain requires a sender")
		}
		if slot.has(MethodSecurityKey) && b.verifier == nil {
			return nil, errors.New("security-key in chain requires an assertion verifier")
		}
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	sink := b.auditSink
	if sink == nil {
		sink = NoOpSink{}
	}
	creds := b.creds
	if creds == nil {
		creds = credential.NewRedisStore(b.redis, cfg.Credential.RedisPrefix)
	}

	transients := transient.NewStore(b.redis, cfg.Transient.RedisPrefix, cfg.Transient.TTL)

	totp := &totpMethod{
		totp:       newTOTPManager(cfg.TOTP),
		creds:      creds,
		transients: transients,
		elevation:  b.elevation,
		renderer:   b.renderer,
		clock:      clock,
	}
	recovery := &recoveryMethod{
		config:    cfg.RecoveryCodes,
		creds:     creds,
		elevation: b.elevation,
		renderer:  b.renderer,
		clock:     clock,
	}

	registry := NewRegistry()
	if err := registry.Register(totp); err != nil {
		return nil, err
	}
	if err := registry.Register(recovery); err != nil {
		return nil, err
	}
	if b.sender != nil {
		email := &emailMethod{
			config:     cfg.EmailCode,
			transients: transients,
			sender:     b.sender,
			renderer:   b.renderer,
		}
		if err := registry.Register(email); err != nil {
			return nil, err
		}
	}
	if b.verifier != nil {
		key := &securityKeyMethod{
			config:     cfg.SecurityKey,
			creds:      creds,
			transients: transients,
			verifier:   b.verifier,
			elevation:  b.elevation,
			renderer:   b.renderer,
			clock:      clock,
		}
		if err := registry.Register(key); err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		config:     cfg,
		registry:   registry,
		states:     newChainStateStore(b.redis, cfg.State.RedisPrefix, cfg.State.TTL),
		creds:      creds,
		transients: transients,
		limiter:    newAttemptLimiter(b.redis, cfg.Attempts.Max, cfg.Attempts.Window),
		metrics:    newMetrics(),
		audit:      sink,
		issuer:     newCompletionIssuer(cfg.Completion),
		recovery:   recovery,
		skip:       b.skip,
		clock:      clock,
	}

	b.built = true
	return engine, nil
}
