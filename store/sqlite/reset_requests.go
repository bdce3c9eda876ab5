package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/store"
)

type resetRepo struct {
	db *sql.DB
	s  *Store
}

const resetColumns = `id, username, email, status, notes, created_at, resolved_at, resolved_by`

func (r *resetRepo) CreateResetRequest(ctx context.Context, req store.TOTPResetRequest) error {
	if req.ID == "" || req.Username == "" {
		return errors.New("sqlite: reset request needs id and username")
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.s.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO totp_reset_requests (id, username, email, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.Username, req.Email, store.ResetPending, req.Notes, createdAt.Unix(),
	)
	if isForeignKeyErr(err) {
		return store.ErrNotFound
	}
	return mapConstraint(err)
}

func (r *resetRepo) GetResetRequest(ctx context.Context, id string) (store.TOTPResetRequest, error) {
	return getResetRequest(ctx, r.db, id)
}

func getResetRequest(ctx context.Context, q dbtx, id string) (store.TOTPResetRequest, error) {
	req, err := scanResetRequest(q.QueryRowContext(ctx,
		`SELECT `+resetColumns+` FROM totp_reset_requests WHERE id = ?`, id))
	if err != nil {
		return store.TOTPResetRequest{}, mapNotFound(err)
	}
	return req, nil
}

func (r *resetRepo) ListResetRequests(ctx context.Context, status store.ResetStatus) ([]store.TOTPResetRequest, error) {
	query := `SELECT ` + resetColumns + ` FROM totp_reset_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.TOTPResetRequest{}
	for rows.Next() {
		req, err := scanResetRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ResolveResetRequest updates only a pending row, so of two concurrent
// resolvers exactly one sees the row come back.
func (r *resetRepo) ResolveResetRequest(ctx context.Context, id string, status store.ResetStatus, by, notes string, at time.Time) (store.TOTPResetRequest, error) {
	if status != store.ResetApproved && status != store.ResetRejected {
		return store.TOTPResetRequest{}, errors.New("sqlite: reset request can only be approved or rejected")
	}
	if at.IsZero() {
		at = r.s.now()
	}
	var out store.TOTPResetRequest
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		req, err := scanResetRequest(tx.QueryRowContext(ctx, `
			UPDATE totp_reset_requests
			SET status = ?, resolved_by = ?, notes = ?, resolved_at = ?
			WHERE id = ? AND status = ?
			RETURNING `+resetColumns,
			status, by, notes, at.Unix(), id, store.ResetPending,
		))
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := getResetRequest(ctx, tx, id); err != nil {
				return err
			}
			return store.ErrNotPending
		}
		if err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return store.TOTPResetRequest{}, err
	}
	return out, nil
}

func scanResetRequest(row rowScanner) (store.TOTPResetRequest, error) {
	var (
		req        store.TOTPResetRequest
		status     string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.Username, &req.Email, &status, &req.Notes,
		&createdAt, &resolvedAt, &req.ResolvedBy); err != nil {
		return store.TOTPResetRequest{}, err
	}
	req.Status = store.ResetStatus(status)
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	if resolvedAt.Valid {
		req.ResolvedAt = time.Unix(resolvedAt.Int64, 0).UTC()
	}
	return req, nil
}
