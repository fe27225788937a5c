package app

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSessionWindows(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		validity time.Duration
		rotation time.Duration
		slack    time.Duration
		wantErr  string
	}{
		{name: "equal", validity: 5 * time.Second, rotation: 5 * time.Second, slack: time.Second},
		{name: "overlap within slack", validity: 6 * time.Second, rotation: 5 * time.Second, slack: time.Second},
		{name: "rotation too slow", validity: 5 * time.Second, rotation: 6 * time.Second, slack: time.Second, wantErr: "exceeds validity"},
		{name: "overlap too long", validity: 8 * time.Second, rotation: 5 * time.Second, slack: time.Second, wantErr: "outlives rotation"},
		{name: "zero validity", validity: 0, rotation: 5 * time.Second, wantErr: "must be positive"},
		{name: "negative slack", validity: 5 * time.Second, rotation: 5 * time.Second, slack: -time.Second, wantErr: "negative"},
	}

	for _, tc := range cases {
		err := ValidateSessionWindows(tc.validity, tc.rotation, tc.slack)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err = %v want containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("ROLLCALL_TOKEN_HMAC_KEY", "")
	h, err := ValidateSecurityConfig(Config{})
	if err != nil || h.Keyed() {
		t.Fatalf("policy off without key: keyed=%v err=%v", h.Keyed(), err)
	}

	if _, err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing key error, got %v", err)
	}

	t.Setenv("ROLLCALL_TOKEN_HMAC_KEY", "too-short")
	if _, err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("expected short key error, got %v", err)
	}

	t.Setenv("ROLLCALL_TOKEN_HMAC_KEY", strings.Repeat("k", 32))
	h, err = ValidateSecurityConfig(Config{RequireTokenHMAC: true})
	if err != nil || !h.Keyed() {
		t.Fatalf("policy on with key: keyed=%v err=%v", h.Keyed(), err)
	}
}
