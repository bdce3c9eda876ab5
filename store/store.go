// Package store defines the persistence contracts the authentication core
// consumes: credential lookup with a failure counter, TOTP secrets with
// their backup codes, and administrator-reviewed TOTP reset requests. Concrete drivers live under store/<driver>.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrNotPending is returned when resolving a request that is already
	// approved or rejected.
	ErrNotPending = errors.New("store: request not pending")
)

// Role is a named group of permissions granted to a credential.
type Role struct {
	Name        string
	Permissions []string
}

// Credential is the account row the core authenticates against.
type Credential struct {
	UserID       string
	Username     string
	Email        string
	PasswordHash string
	Roles        []Role
	FailureState
}

// FailureState is the persisted lockout counter of a credential.
// Blocked implies FailedCount >= the threshold in force when it was set.
type FailureState struct {
	FailedCount int
	Blocked     bool
}

// TOTPSecret is one enrolled (or pending) authenticator device.
type TOTPSecret struct {
	ID         string
	Username   string
	SecretKey  string // sealed blob, never plaintext
	DeviceName string
	CreatedAt  time.Time
	Active     bool

	// BackupCodes holds argon2id hashes, one per unused code.
	BackupCodes []string
}

// Credentials is the credential lookup capability.
type Credentials interface {
	CreateCredential(ctx context.Context, c Credential) error
	FindByUsername(ctx context.Context, username string) (Credential, error)
	FindByEmail(ctx context.Context, email string) (Credential, error)
	UpdatePasswordHash(ctx context.Context, username, hash string) error

	FailureCounter
}

// FailureCounter reads and writes the persisted lockout state. All methods
// return ErrNotFound for an unknown username.
type FailureCounter interface {
	// IncrementFailures atomically adds one failure and sets Blocked once the
	// new count reaches threshold. It returns the state after the update.
	IncrementFailures(ctx context.Context, username string, threshold int) (FailureState, error)

	// ResetFailures clears the counter and the block flag and returns the
	// state as it was before the reset.
	ResetFailures(ctx context.Context, username string) (FailureState, error)

	FailureState(ctx context.Context, username string) (FailureState, error)
}

// TOTPSecrets persists authenticator devices.
type TOTPSecrets interface {
	CreateSecret(ctx context.Context, s TOTPSecret) error
	GetSecret(ctx context.Context, id string) (TOTPSecret, error)
	ActiveSecret(ctx context.Context, username string) (TOTPSecret, error)
	ListSecrets(ctx context.Context, username string) ([]TOTPSecret, error)

	// ActivateSecret marks id active, removes every other active secret of
	// the same username and replaces the backup codes of id, all in one
	// transaction.
	ActivateSecret(ctx context.Context, id string, backupHashes []string) error

	ReplaceBackupCodes(ctx context.Context, id string, backupHashes []string) error

	// ConsumeBackupCode deletes the given hash from id. It reports false if
	// another caller consumed it first.
	ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error)

	RenameSecret(ctx context.Context, id, deviceName string) error
	DeleteSecret(ctx context.Context, id string) error
	DeletePendingSecrets(ctx context.Context, username string) (int, error)
	DeleteAllSecrets(ctx context.Context, username string) (int, error)
}

// ResetStatus is the lifecycle state of a TOTP reset request.
type ResetStatus string

const (
	ResetPending  ResetStatus = "PENDING"
	ResetApproved ResetStatus = "APPROVED"
	ResetRejected ResetStatus = "REJECTED"
)

// TOTPResetRequest asks an administrator to remove every device of an
// account whose owner lost access to it.
type TOTPResetRequest struct {
	ID        string
	Username  string
	Email     string
	Status    ResetStatus
	Notes     string
	CreatedAt time.Time

	// ResolvedAt and ResolvedBy are zero while the request is pending.
	ResolvedAt time.Time
	ResolvedBy string
}

// TOTPResetRequests persists reset requests.
type TOTPResetRequests interface {
	// CreateResetRequest fails with ErrAlreadyExists while the username has
	// a pending request and ErrNotFound for an unknown username.
	CreateResetRequest(ctx context.Context, r TOTPResetRequest) error
	GetResetRequest(ctx context.Context, id string) (TOTPResetRequest, error)

	// ListResetRequests returns requests in status, oldest first. An empty
	// status lists every request.
	ListResetRequests(ctx context.Context, status ResetStatus) ([]TOTPResetRequest, error)

	// ResolveResetRequest moves a pending request to status and returns it.
	// It fails with ErrNotPending if the request was already resolved, so
	// only one resolver wins.
	ResolveResetRequest(ctx context.Context, id string, status ResetStatus, by, notes string, at time.Time) (TOTPResetRequest, error)
}
