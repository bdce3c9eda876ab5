// Package lockout counts failed authentication attempts and blocks an
// account once a threshold is reached.
//
// Two counters are kept. The persisted counter on the credential row
// decides blocking and survives restarts; it is advanced with a single
// atomic update so concurrent failures never under-count. A [FailureCache]
// keyed by username counts every failure too; it is the only counter for
// usernames that have no credential row. Cache entries expire a window after
// the last failure and the in-memory implementation is size-capped, so
// spraying unknown usernames cannot grow it without bound. [RedisCache]
// shares the counts between processes.
//
// Crossing the threshold revokes every session of the account. Blocking is
// idempotent: repeated failures on a blocked account never un-block it and
// revoking an already empty session set is a no-op.
package lockout
