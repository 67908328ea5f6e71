package authchain

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type envConfig struct {
	Chain            string        `env:"AUTHCHAIN_CHAIN,required"`
	CompletionSecret string        `env:"AUTHCHAIN_COMPLETION_SECRET,required,unset"`
	CompletionTTL    time.Duration `env:"AUTHCHAIN_COMPLETION_TTL" envDefault:"2m"`
	Issuer           string        `env:"AUTHCHAIN_ISSUER" envDefault:"authchain"`

	TOTPDigits int    `env:"AUTHCHAIN_TOTP_DIGITS" envDefault:"6"`
	TOTPPeriod int    `env:"AUTHCHAIN_TOTP_PERIOD" envDefault:"30"`
	TOTPSkew   int    `env:"AUTHCHAIN_TOTP_SKEW" envDefault:"1"`
	TOTPAlgo   string `env:"AUTHCHAIN_TOTP_ALGORITHM" envDefault:"SHA1"`

	RecoveryCount  int `env:"AUTHCHAIN_RECOVERY_COUNT" envDefault:"10"`
	RecoveryLength int `env:"AUTHCHAIN_RECOVERY_LENGTH" envDefault:"16"`

	EmailCodeLength int `env:"AUTHCHAIN_EMAIL_CODE_LENGTH" envDefault:"8"`

	StateTTL     time.Duration `env:"AUTHCHAIN_STATE_TTL" envDefault:"15m"`
	TransientTTL time.Duration `env:"AUTHCHAIN_TRANSIENT_TTL" envDefault:"15m"`

	AttemptsMax    int           `env:"AUTHCHAIN_ATTEMPTS_MAX" envDefault:"5"`
	AttemptsWindow time.Duration `env:"AUTHCHAIN_ATTEMPTS_WINDOW" envDefault:"5m"`
}

// ConfigFromEnv builds a Config from AUTHCHAIN_* environment variables.
// AUTHCHAIN_CHAIN declares the slot sequence: commas separate slots, pipes
// separate alternatives within a slot, e.g. "totp|recovery-codes,email-code".
func ConfigFromEnv() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	slots, err := ParseChain(raw.Chain)
	if err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.Chain.Slots = slots
	cfg.TOTP.Issuer = raw.Issuer
	cfg.TOTP.Digits = raw.TOTPDigits
	cfg.TOTP.Period = raw.TOTPPeriod
	cfg.TOTP.Skew = raw.TOTPSkew
	cfg.TOTP.Algorithm = raw.TOTPAlgo
	cfg.RecoveryCodes.Count = raw.RecoveryCount
	cfg.RecoveryCodes.Length = raw.RecoveryLength
	cfg.EmailCode.Length = raw.EmailCodeLength
	cfg.State.TTL = raw.StateTTL
	cfg.Transient.TTL = raw.TransientTTL
	cfg.Attempts.Max = raw.AttemptsMax
	cfg.Attempts.Window = raw.AttemptsWindow
	cfg.Completion.Secret = []byte(raw.CompletionSecret)
	cfg.Completion.TTL = raw.CompletionTTL
	cfg.Completion.Issuer = raw.Issuer

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseChain parses a chain declaration string into slots. Commas separate
// slots, pipes separate alternative methods within a slot.
func ParseChain(decl string) ([]Slot, error) {
	parts := strings.Split(decl, ",")
	slots := make([]Slot, 0, len(parts))
	for i, part := range parts {
		var methods []string
		for _, m := range strings.Split(part, "|") {
			m = strings.TrimSpace(m)
			if m != "" {
				methods = append(methods, m)
			}
		}
		if len(methods) == 0 {
			return nil, fmt.Errorf("chain slot %d is empty", i)
		}
		slots = append(slots, Slot{Methods: methods})
	}
	return slots, nil
}
