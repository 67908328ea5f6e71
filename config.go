package authchain

import (
	"errors"
	"fmt"
	"time"
)

// Config carries the deployment configuration for the chain engine. Configure
// it once before Build; the engine treats it as immutable afterwards.
type Config struct {
	Chain         ChainConfig
	TOTP          TOTPConfig
	RecoveryCodes RecoveryCodesConfig
	EmailCode     EmailCodeConfig
	SecurityKey   SecurityKeyConfig
	State         StateConfig
	Transient     TransientConfig
	Credential    CredentialConfig
	Attempts      AttemptsConfig
	Completion    CompletionConfig
}

// ChainConfig is the ordered sequence of verification slots a user must
// satisfy. It is resolved once at Build and read-only afterwards.
type ChainConfig struct {
	Slots []Slot
}

// Slot is one position in the chain. Methods lists the eligible alternative
// method types; the first entry is the default offered to users who have
// nothing set up yet.
type Slot struct {
	Methods []string
}

func (s Slot) has(methodType string) bool {
	for _, m := range s.Methods {
		if m == methodType {
			return true
		}
	}
	return false
}

// TOTPConfig tunes the time-based code method.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int // accepted adjacent time steps on each side
	Algorithm string
}

// RecoveryCodesConfig tunes the single-use recovery code method.
type RecoveryCodesConfig struct {
	Count     int
	Length    int
	GroupSize int
}

// EmailCodeConfig tunes the emailed one-time code method.
type EmailCodeConfig struct {
	Length    int
	GroupSize int
}

// SecurityKeyConfig tunes the hardware security key method.
type SecurityKeyConfig struct {
	ChallengeSize int
}

// StateConfig controls where in-progress chain runs live and for how long.
type StateConfig struct {
	RedisPrefix string
	TTL         time.Duration
}

// TransientConfig controls the session-scoped staging store for secrets
// generated during setup but not yet confirmed.
type TransientConfig struct {
	RedisPrefix string
	TTL         time.Duration
}

// CredentialConfig controls the default redis credential store.
type CredentialConfig struct {
	RedisPrefix string
}

// AttemptsConfig bounds failed verification attempts per (user, method).
type AttemptsConfig struct {
	Max    int
	Window time.Duration
}

// CompletionConfig controls the signed token issued when a chain completes.
// The surrounding session layer verifies it to finalize login or elevation.
type CompletionConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
}

// DefaultConfig returns the baseline configuration. Chain.Slots and
// Completion.Secret have no defaults and must be set by the caller.
func DefaultConfig() Config {
	return cloneConfig(defaultConfig())
}

func defaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:    "authchain",
			Digits:    6,
			Period:    30,
			Skew:      1,
			Algorithm: "SHA1",
		},
		RecoveryCodes: RecoveryCodesConfig{
			Count:     10,
			Length:    16,
			GroupSize: 4,
		},
		EmailCode: EmailCodeConfig{
			Length:    8,
			GroupSize: 4,
		},
		SecurityKey: SecurityKeyConfig{
			ChallengeSize: 32,
		},
		State: StateConfig{
			RedisPrefix: "acs",
			TTL:         15 * time.Minute,
		},
		Transient: TransientConfig{
			RedisPrefix: "ats",
			TTL:         15 * time.Minute,
		},
		Credential: CredentialConfig{
			RedisPrefix: "acr",
		},
		Attempts: AttemptsConfig{
			Max:    5,
			Window: 5 * time.Minute,
		},
		Completion: CompletionConfig{
			TTL:    2 * time.Minute,
			Issuer: "authchain",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Chain.Slots = make([]Slot, len(cfg.Chain.Slots))
	for i, slot := range cfg.Chain.Slots {
		out.Chain.Slots[i].Methods = append([]string(nil), slot.Methods...)
	}
	out.Completion.Secret = append([]byte(nil), cfg.Completion.Secret...)
	return out
}

func validateConfig(cfg Config) error {
	if len(cfg.Chain.Slots) == 0 {
		return errors.New("chain requires at least one slot")
	}
	for i, slot := range cfg.Chain.Slots {
		if len(slot.Methods) == 0 {
			return fmt.Errorf("chain slot %d has no methods", i)
		}
		for _, m := range slot.Methods {
			switch m {
			case MethodTOTP, MethodRecoveryCodes, MethodEmailCode, MethodSecurityKey:
			default:
				return fmt.Errorf("chain slot %d references unknown method %q", i, m)
			}
		}
	}
	if cfg.TOTP.Digits < 6 || cfg.TOTP.Digits > 10 {
		return errors.New("totp digits must be between 6 and 10")
	}
	if cfg.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if cfg.TOTP.Skew < 0 {
		return errors.New("totp skew must not be negative")
	}
	if cfg.RecoveryCodes.Count <= 0 || cfg.RecoveryCodes.Length < 8 {
		return errors.New("recovery codes require a positive count and length of at least 8")
	}
	if cfg.EmailCode.Length < 6 {
		return errors.New("email code length must be at least 6")
	}
	if cfg.SecurityKey.ChallengeSize < 16 {
		return errors.New("security key challenge must be at least 16 bytes")
	}
	if cfg.Attempts.Max <= 0 || cfg.Attempts.Window <= 0 {
		return errors.New("attempt limiting requires a positive max and window")
	}
	if len(cfg.Completion.Secret) < 32 {
		return errors.New("completion token secret must be at least 32 bytes")
	}
	return nil
}
