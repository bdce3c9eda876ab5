package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/totp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SetupTOTP starts enrolment of a new authenticator for username. Pending
// devices from earlier setups are discarded. The returned secret is shown
// once; the device stays inactive until VerifyTOTP succeeds.
//
// An account that already has an active device fails with ErrAlreadyActive;
// use ChangeTOTPDevice instead.
func (e *Engine) SetupTOTP(ctx context.Context, username, deviceName string) (TOTPSetup, error) {
	if !e.ready() {
		return TOTPSetup{}, ErrEngineNotReady
	}
	if _, err := e.credentials.FindByUsername(ctx, username); err != nil {
		return TOTPSetup{}, notFoundOr(err)
	}

	_, err := e.totpSecrets.ActiveSecret(ctx, username)
	switch {
	case err == nil:
		return TOTPSetup{}, ErrAlreadyActive
	case !errors.Is(err, store.ErrNotFound):
		return TOTPSetup{}, storeUnavailable(err)
	}
	return e.newPendingDevice(ctx, username, deviceName)
}

func (e *Engine) newPendingDevice(ctx context.Context, username, deviceName string) (TOTPSetup, error) {
	if _, err := e.totpSecrets.DeletePendingSecrets(ctx, username); err != nil {
		return TOTPSetup{}, storeUnavailable(err)
	}

	_, b32, err := e.totp.GenerateSecret()
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("generate totp secret: %w", err)
	}
	sealed, err := e.sealer.SealSecret(b32)
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("seal totp secret: %w", err)
	}

	now := e.now()
	secret := store.TOTPSecret{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Username:   username,
		SecretKey:  sealed,
		DeviceName: deviceName,
		CreatedAt:  now,
	}
	if err := e.totpSecrets.CreateSecret(ctx, secret); err != nil {
		return TOTPSetup{}, notFoundOr(err)
	}

	uri := e.totp.ProvisionURI(username, b32)
	setup := TOTPSetup{
		DeviceID:   secret.ID,
		DeviceName: deviceName,
		Secret:     b32,
		URI:        uri,
	}
	if e.config.TOTP.QRSize > 0 {
		png, err := totp.QRCode(uri, e.config.TOTP.QRSize)
		if err != nil {
			return TOTPSetup{}, fmt.Errorf("render qr code: %w", err)
		}
		setup.QRCode = png
	}

	e.logger.Debug("totp device pending", zap.String("username", username), zap.String("device_id", secret.ID))
	return setup, nil
}

// VerifyTOTP activates a pending device with a current code from it. Any
// other active device of the account is removed and a fresh set of backup
// codes is returned in plaintext. They are not retrievable again.
//
// Like every code check, a wrong code counts toward lockout and a blocked
// account fails with ErrAccountBlocked.
func (e *Engine) VerifyTOTP(ctx context.Context, username, deviceID, code string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	secret, err := e.ownedSecret(ctx, username, deviceID)
	if err != nil {
		return nil, err
	}
	if secret.Active {
		return nil, ErrAlreadyActive
	}
	if err := e.refuseBlocked(ctx, username); err != nil {
		return nil, err
	}

	ok, err := e.checkTOTP(ctx, secret, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.rejectCode(ctx, username, lockout.FactorTOTP, "activation_mismatch")
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.totpSecrets.ActivateSecret(ctx, secret.ID, hashes); err != nil {
		return nil, notFoundOr(err)
	}

	e.metrics.Inc(MetricTOTPDeviceActivated)
	e.logger.Info("totp device activated",
		zap.String("username", username),
		zap.String("device_id", secret.ID),
	)
	return codes, nil
}

// ListTOTPDevices returns every enrolled and pending device, newest first.
func (e *Engine) ListTOTPDevices(ctx context.Context, username string) ([]TOTPDevice, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	secrets, err := e.totpSecrets.ListSecrets(ctx, username)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	out := make([]TOTPDevice, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, TOTPDevice{
			ID:                   s.ID,
			DeviceName:           s.DeviceName,
			CreatedAt:            s.CreatedAt,
			Active:               s.Active,
			BackupCodesRemaining: len(s.BackupCodes),
		})
	}
	return out, nil
}

// IsTOTPEnabled reports whether username has an active device.
func (e *Engine) IsTOTPEnabled(ctx context.Context, username string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	_, err := e.totpSecrets.ActiveSecret(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, storeUnavailable(err)
	}
	return true, nil
}

// RemoveTOTPDevice deletes a device of username. While the account has an
// active device, code must be a current TOTP or unused backup code of it.
func (e *Engine) RemoveTOTPDevice(ctx context.Context, username, deviceID, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	target, err := e.ownedSecret(ctx, username, deviceID)
	if err != nil {
		return err
	}

	active, err := e.totpSecrets.ActiveSecret(ctx, username)
	switch {
	case err == nil:
		if err := e.checkDeviceCode(ctx, active, code); err != nil {
			return err
		}
	case !errors.Is(err, store.ErrNotFound):
		return storeUnavailable(err)
	}

	if err := e.totpSecrets.DeleteSecret(ctx, target.ID); err != nil {
		return notFoundOr(err)
	}
	e.logger.Info("totp device removed", zap.String("username", username), zap.String("device_id", target.ID))
	return nil
}

// RenameTOTPDevice changes the display name of a device.
func (e *Engine) RenameTOTPDevice(ctx context.Context, username, deviceID, deviceName string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if _, err := e.ownedSecret(ctx, username, deviceID); err != nil {
		return err
	}
	return notFoundOr(e.totpSecrets.RenameSecret(ctx, deviceID, deviceName))
}

// ChangeTOTPDevice replaces the active device. code must be valid for the
// current device; the device is removed and a new pending setup returned,
// to be confirmed with VerifyTOTP.
func (e *Engine) ChangeTOTPDevice(ctx context.Context, username, code, deviceName string) (TOTPSetup, error) {
	if !e.ready() {
		return TOTPSetup{}, ErrEngineNotReady
	}
	active, err := e.totpSecrets.ActiveSecret(ctx, username)
	if err != nil {
		return TOTPSetup{}, notFoundOr(err)
	}
	if err := e.checkDeviceCode(ctx, active, code); err != nil {
		return TOTPSetup{}, err
	}
	if err := e.totpSecrets.DeleteSecret(ctx, active.ID); err != nil {
		return TOTPSetup{}, notFoundOr(err)
	}
	return e.newPendingDevice(ctx, username, deviceName)
}

// ResetTOTP removes every device of username without a code, for
// administrative recovery, and clears its replay claims. It returns the
// number of devices removed.
func (e *Engine) ResetTOTP(ctx context.Context, username string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.totpSecrets.DeleteAllSecrets(ctx, username)
	if err != nil {
		return 0, storeUnavailable(err)
	}
	if err := e.replay.Forget(ctx, username); err != nil {
		e.logger.Warn("replay ledger not cleared", zap.String("username", username), zap.Error(err))
	}
	e.logger.Info("totp reset", zap.String("username", username), zap.Int("devices", n))
	return n, nil
}

func (e *Engine) ownedSecret(ctx context.Context, username, deviceID string) (store.TOTPSecret, error) {
	secret, err := e.totpSecrets.GetSecret(ctx, deviceID)
	if err != nil {
		return store.TOTPSecret{}, notFoundOr(err)
	}
	if secret.Username != username {
		return store.TOTPSecret{}, ErrResourceNotFound
	}
	return secret, nil
}

// checkDeviceCode gates a management operation on a current code of the
// active device. A mismatch counts toward lockout.
func (e *Engine) checkDeviceCode(ctx context.Context, active store.TOTPSecret, code string) error {
	if err := e.refuseBlocked(ctx, active.Username); err != nil {
		return err
	}
	ok, err := e.validateCode(ctx, active, code)
	if err != nil {
		return err
	}
	if !ok {
		return e.rejectCode(ctx, active.Username, codeFactor(code), "device_code_mismatch")
	}
	return nil
}

// validateCode accepts either a time-window code or a backup code of secret.
// A matching backup code is consumed.
func (e *Engine) validateCode(ctx context.Context, secret store.TOTPSecret, code string) (bool, error) {
	if codeFactor(code) == lockout.FactorBackupCode {
		return e.consumeBackupCode(ctx, secret, code)
	}
	return e.checkTOTP(ctx, secret, code)
}

func codeFactor(code string) lockout.Factor {
	if len(totp.CanonicalBackupCode(code)) == totp.BackupCodeLength {
		return lockout.FactorBackupCode
	}
	return lockout.FactorTOTP
}

// checkTOTP verifies code against secret and claims its time step in the
// replay ledger. A code seen before reports false.
func (e *Engine) checkTOTP(ctx context.Context, secret store.TOTPSecret, code string) (bool, error) {
	b32, err := e.sealer.OpenSecret(secret.SecretKey)
	if err != nil {
		e.metrics.Inc(MetricDecryptFailure)
		e.logger.Error("totp secret cannot be opened",
			zap.String("username", secret.Username),
			zap.String("device_id", secret.ID),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: totp secret", ErrDecryptionFailure)
	}
	raw, err := totp.DecodeSecret(b32)
	if err != nil {
		return false, fmt.Errorf("%w: totp secret", ErrDecryptionFailure)
	}

	ok, counter := totp.Verify(raw, code, e.now())
	if !ok {
		e.metrics.Inc(MetricTOTPFailure)
		return false, nil
	}
	// Keyed per device so a new device can be confirmed in the same time
	// step as the code that authorised replacing the old one.
	fresh, err := e.replay.Claim(ctx, secret.Username+":"+secret.ID, counter)
	if err != nil {
		return false, storeUnavailable(err)
	}
	if !fresh {
		e.metrics.Inc(MetricTOTPReplayRejected)
		e.logger.Warn("totp code replayed", zap.String("username", secret.Username))
		return false, nil
	}
	e.metrics.Inc(MetricTOTPSuccess)
	return true, nil
}

// notFoundOr maps store.ErrNotFound to ErrResourceNotFound and anything else
// to ErrStoreUnavailable.
func notFoundOr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrResourceNotFound
	}
	return storeUnavailable(err)
}
