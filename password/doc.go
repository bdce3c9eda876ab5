// Package password hashes and verifies secrets with Argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Two presets exist. [DefaultConfig] is tuned for account passwords.
// [BackupCodeConfig] is cheaper per hash because a backup-code set is hashed
// ten entries at a time and each entry is a short random digit string.
//
// Every stored hash carries its own parameters, so [Argon2.Verify] keeps
// accepting hashes produced under older settings and [Argon2.NeedsUpgrade]
// tells the caller when to re-hash.
package password
