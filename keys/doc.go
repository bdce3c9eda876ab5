// Package keys derives symmetric key material from configured master secrets.
//
// Two derivations exist:
//
//   - [DeriveAESKey] stretches a passphrase into a 32-byte AES-256 key with
//     PBKDF2-HMAC-SHA256. The iteration count is part of the stored ciphertext
//     contract: [TokenIterations] for client token transport and
//     [SecretIterations] for TOTP secrets at rest. Changing either constant makes
//     existing ciphertext undecryptable.
//   - [DeriveSessionKey] produces a deterministic 64-byte per-session key from the
//     master signing secret, the user ID and the refresh expiry. It keys the
//     refresh-token fingerprint kept in the session record; tokens themselves are
//     always signed with the static master key.
//
// # What this package must NOT do
//
//   - Generate randomness (callers supply salts).
//   - Import any other authcore package.
package keys
