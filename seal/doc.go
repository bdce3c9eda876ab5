// Package seal wraps short secrets in AES-256-GCM for transport and storage.
//
// # Blob formats
//
// Token blobs (client transport) carry a salt-length prefix:
//
//	base64( [saltLen:1][salt:saltLen][iv:12][ciphertext‖tag:16] )
//
// Secret blobs (TOTP secrets at rest) use a fixed salt length and no prefix:
//
//	base64( [salt:16][iv:12][ciphertext‖tag:16] )
//
// Each blob derives its own AES key from the configured passphrase and the
// embedded salt with [keys.DeriveAESKey]. The two formats use different
// passphrases and iteration counts and are not interchangeable.
//
// Decoding is lenient about transport damage: whitespace is removed, URL-safe
// alphabet characters are mapped back to the standard alphabet and missing
// padding is restored. All failures surface as [ErrDecryptionFailure].
package seal
