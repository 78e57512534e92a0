package config

import (
	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
	"github.com/shizukutanaka/groundgate/internal/verify"
)

// ResolveKey decodes the shared HMAC secret. The environment override has
// already been applied by Load, so GROUNDGATE_HMAC_SECRET wins over the file.
func (c *Config) ResolveKey() ([]byte, error) {
	if c.HMACSecret == "" {
		return nil, apperrors.ConfigurationMissing("no HMAC secret configured (set hmac_secret or "+EnvPrefix+"_HMAC_SECRET)", nil)
	}
	key, err := verify.ParseKey(c.HMACSecret)
	if err != nil {
		return nil, apperrors.ConfigurationInvalid("HMAC secret is not valid hex", err)
	}
	return key, nil
}
