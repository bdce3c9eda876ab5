package authcore

import (
	"context"
	"fmt"

	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/totp"
	"go.uber.org/zap"
)

// VerifyBackupCode consumes one backup code of the active device of
// username. Each code succeeds exactly once; a reused or unknown code fails
// with ErrTOTPMismatch and counts toward lockout.
func (e *Engine) VerifyBackupCode(ctx context.Context, username, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	active, err := e.totpSecrets.ActiveSecret(ctx, username)
	if err != nil {
		return notFoundOr(err)
	}
	if err := e.refuseBlocked(ctx, username); err != nil {
		return err
	}
	ok, err := e.consumeBackupCode(ctx, active, code)
	if err != nil {
		return err
	}
	if !ok {
		return e.rejectCode(ctx, username, lockout.FactorBackupCode, "backup_code_mismatch")
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code of the active device.
// code must be a current TOTP code or an unused backup code.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, username, code string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	active, err := e.totpSecrets.ActiveSecret(ctx, username)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if err := e.checkDeviceCode(ctx, active, code); err != nil {
		return nil, err
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.totpSecrets.ReplaceBackupCodes(ctx, active.ID, hashes); err != nil {
		return nil, notFoundOr(err)
	}
	e.metrics.Inc(MetricBackupCodeRegenerated)
	e.logger.Info("backup codes regenerated", zap.String("username", username))
	return codes, nil
}

func (e *Engine) newBackupCodes() ([]string, []string, error) {
	codes, err := totp.GenerateBackupCodes(totp.BackupCodeCount, totp.BackupCodeLength)
	if err != nil {
		return nil, nil, fmt.Errorf("generate backup codes: %w", err)
	}
	hashes, err := totp.HashBackupCodes(e.backupHasher, codes)
	if err != nil {
		return nil, nil, fmt.Errorf("hash backup codes: %w", err)
	}
	return codes, hashes, nil
}

// consumeBackupCode deletes the matching hash. Losing a race to another
// caller for the same code reports false.
func (e *Engine) consumeBackupCode(ctx context.Context, secret store.TOTPSecret, code string) (bool, error) {
	idx, ok := totp.MatchBackupCode(e.backupHasher, secret.BackupCodes, code)
	if !ok {
		e.metrics.Inc(MetricBackupCodeFailed)
		return false, nil
	}
	consumed, err := e.totpSecrets.ConsumeBackupCode(ctx, secret.ID, secret.BackupCodes[idx])
	if err != nil {
		return false, storeUnavailable(err)
	}
	if !consumed {
		e.metrics.Inc(MetricBackupCodeFailed)
		return false, nil
	}
	e.metrics.Inc(MetricBackupCodeUsed)
	e.logger.Info("backup code used",
		zap.String("username", secret.Username),
		zap.Int("remaining", len(secret.BackupCodes)-1),
	)
	return true, nil
}
