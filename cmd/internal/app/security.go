package app

import (
	"errors"
	"fmt"
	"time"

	"rollcall/cmd/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup and
// returns the hasher the runtime should use.
//
// Fail-fast: a deployment that asked for keyed hashing never silently falls
// back to plain SHA-256.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	if !cfg.RequireTokenHMAC {
		return token.HasherFromEnv(), nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured as raw bytes.
	key, err := token.HMACKeyFromEnv(32)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: ROLLCALL_REQUIRE_TOKEN_HMAC=true but ROLLCALL_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, errors.New("security policy: ROLLCALL_REQUIRE_TOKEN_HMAC=true but ROLLCALL_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return token.Hasher{}, err
		}
	}

	h := token.NewHasher(key)
	if !h.Keyed() {
		return token.Hasher{}, errors.New("security policy: ROLLCALL_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return h, nil
}

// ValidateSessionWindows rejects configurations where a displayed code could
// stop working before the issuing client replaces it, or where a replaced
// code stays redeemable for longer than slack.
func ValidateSessionWindows(validity, rotation, slack time.Duration) error {
	if validity <= 0 || rotation <= 0 {
		return errors.New("config: session validity and rotation must be positive")
	}
	if slack < 0 {
		return errors.New("config: session rotation slack must not be negative")
	}
	if rotation > validity {
		return fmt.Errorf("config: session rotation %s exceeds validity %s; codes would expire while still displayed", rotation, validity)
	}
	if validity-rotation > slack {
		return fmt.Errorf("config: session validity %s outlives rotation %s by more than %s", validity, rotation, slack)
	}
	return nil
}
