package authcore

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/authcore/store"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// RequestTOTPReset files a request for an administrator to remove every TOTP
// device of username, for a user who lost their authenticator. email must
// match the account's address. Unknown usernames and mismatched addresses
// both fail with ErrAuthenticationFailed.
//
// An account without an active device fails with ErrTOTPNotEnabled, and one
// with an open request fails with ErrResetPending. It returns the request ID.
func (e *Engine) RequestTOTPReset(ctx context.Context, username, email string) (string, error) {
	if !e.ready() || e.resets == nil {
		return "", ErrEngineNotReady
	}
	cred, err := e.credentials.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrAuthenticationFailed
		}
		return "", storeUnavailable(err)
	}
	if !strings.EqualFold(strings.TrimSpace(email), cred.Email) {
		e.logger.Warn("totp reset request email mismatch", zap.String("username", username))
		return "", ErrAuthenticationFailed
	}

	enabled, err := e.IsTOTPEnabled(ctx, username)
	if err != nil {
		return "", err
	}
	if !enabled {
		return "", ErrTOTPNotEnabled
	}

	now := e.now()
	req := store.TOTPResetRequest{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Username:  cred.Username,
		Email:     cred.Email,
		CreatedAt: now,
	}
	if err := e.resets.CreateResetRequest(ctx, req); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			return "", ErrResetPending
		case errors.Is(err, store.ErrNotFound):
			return "", ErrAuthenticationFailed
		}
		return "", storeUnavailable(err)
	}

	e.metrics.Inc(MetricTOTPResetRequested)
	e.logger.Info("totp reset requested", zap.String("username", username), zap.String("request_id", req.ID))
	return req.ID, nil
}

// ListTOTPResetRequests returns requests in status, oldest first. An empty
// status lists every request.
func (e *Engine) ListTOTPResetRequests(ctx context.Context, status store.ResetStatus) ([]TOTPResetRequest, error) {
	if !e.ready() || e.resets == nil {
		return nil, ErrEngineNotReady
	}
	reqs, err := e.resets.ListResetRequests(ctx, status)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	out := make([]TOTPResetRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, resetRequest(r))
	}
	return out, nil
}

// ApproveTOTPReset resolves a pending request and removes every device of
// its account as ResetTOTP does. It returns the number of devices removed.
// A request that is already resolved fails with ErrResetResolved.
func (e *Engine) ApproveTOTPReset(ctx context.Context, requestID, admin, notes string) (int, error) {
	if !e.ready() || e.resets == nil {
		return 0, ErrEngineNotReady
	}
	req, err := e.resolveReset(ctx, requestID, store.ResetApproved, admin, notes)
	if err != nil {
		return 0, err
	}
	n, err := e.ResetTOTP(ctx, req.Username)
	if err != nil {
		e.logger.Error("approved totp reset not applied",
			zap.String("request_id", req.ID),
			zap.String("username", req.Username),
			zap.Error(err),
		)
		return 0, err
	}
	e.metrics.Inc(MetricTOTPResetApproved)
	e.logger.Info("totp reset approved",
		zap.String("request_id", req.ID),
		zap.String("username", req.Username),
		zap.String("admin", admin),
	)
	return n, nil
}

// RejectTOTPReset resolves a pending request without touching any device.
func (e *Engine) RejectTOTPReset(ctx context.Context, requestID, admin, notes string) error {
	if !e.ready() || e.resets == nil {
		return ErrEngineNotReady
	}
	req, err := e.resolveReset(ctx, requestID, store.ResetRejected, admin, notes)
	if err != nil {
		return err
	}
	e.metrics.Inc(MetricTOTPResetRejected)
	e.logger.Info("totp reset rejected",
		zap.String("request_id", req.ID),
		zap.String("username", req.Username),
		zap.String("admin", admin),
	)
	return nil
}

func (e *Engine) resolveReset(ctx context.Context, id string, status store.ResetStatus, admin, notes string) (store.TOTPResetRequest, error) {
	if admin == "" {
		return store.TOTPResetRequest{}, errors.New("resolving admin is required")
	}
	req, err := e.resets.ResolveResetRequest(ctx, id, status, admin, notes, e.now())
	switch {
	case err == nil:
		return req, nil
	case errors.Is(err, store.ErrNotPending):
		return store.TOTPResetRequest{}, ErrResetResolved
	default:
		return store.TOTPResetRequest{}, notFoundOr(err)
	}
}

func resetRequest(r store.TOTPResetRequest) TOTPResetRequest {
	return TOTPResetRequest{
		ID:         r.ID,
		Username:   r.Username,
		Email:      r.Email,
		Status:     r.Status,
		Notes:      r.Notes,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: r.ResolvedAt,
		ResolvedBy: r.ResolvedBy,
	}
}
