// Package token hashes attendance session tokens for storage.
//
// Session tokens are displayed on a projector and live for seconds, but the
// session table outlives them; only digests are persisted so a read of the
// table cannot be replayed into a scan.
//
// Environment:
//   - ROLLCALL_TOKEN_HMAC_KEY: when set, digests are HMAC-SHA256 keyed by it.
//     Otherwise plain SHA-256 is used.
//   - ROLLCALL_REQUIRE_TOKEN_HMAC: startup policy; when true the key must be
//     present and at least 32 bytes (enforced by the app package).
package token
