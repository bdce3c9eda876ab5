// Package session persists issued token pairs in Redis as an allow-list of
// live sessions.
//
// # Key layout
//
//	<prefix>:<id>          binary record, TTL until refresh expiry
//	<prefix>u:<username>   set of session ids owned by the user
//	<prefix>x              sorted set of ids scored by refresh expiry (unix)
//	<prefix>o              hash id -> username, used by the expiry purge
//
// A token is honoured only while its record exists. Logout, lockout and
// refresh rotation all remove records; nothing is ever added to a deny-list.
//
// This package does not parse JWTs or decide policy. It only stores what the
// caller hands it.
package session
