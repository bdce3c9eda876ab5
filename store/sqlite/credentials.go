package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MrEthical07/authcore/store"
)

type credentialsRepo struct {
	db *sql.DB
	s  *Store
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c store.Credential) error {
	if c.UserID == "" || c.Username == "" || c.PasswordHash == "" {
		return errors.New("sqlite: credential needs user id, username and password hash")
	}
	now := r.s.now().Unix()
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (user_id, username, email, password_hash, failed_count, blocked, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.UserID, c.Username, c.Email, c.PasswordHash, c.FailedCount, c.Blocked, now, now,
		)
		if err != nil {
			return mapConstraint(err)
		}
		for i, role := range c.Roles {
			if err := upsertRole(ctx, tx, role); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO credential_roles (user_id, role_name, position) VALUES (?, ?, ?)`,
				c.UserID, role.Name, i,
			); err != nil {
				return mapConstraint(err)
			}
		}
		return nil
	})
}

func upsertRole(ctx context.Context, tx *sql.Tx, role store.Role) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles (name) VALUES (?)`, role.Name); err != nil {
		return err
	}
	for i, perm := range role.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO role_permissions (role_name, permission, position) VALUES (?, ?, ?)`,
			role.Name, perm, i,
		); err != nil {
			return err
		}
	}
	return nil
}

const selectCredential = `
	SELECT user_id, username, email, password_hash, failed_count, blocked
	FROM credentials`

func (r *credentialsRepo) FindByUsername(ctx context.Context, username string) (store.Credential, error) {
	return r.find(ctx, selectCredential+` WHERE username = ?`, username)
}

// FindByEmail returns the oldest credential registered with email.
func (r *credentialsRepo) FindByEmail(ctx context.Context, email string) (store.Credential, error) {
	if email == "" {
		return store.Credential{}, store.ErrNotFound
	}
	return r.find(ctx, selectCredential+` WHERE email = ? ORDER BY created_at, user_id LIMIT 1`, email)
}

func (r *credentialsRepo) find(ctx context.Context, query string, arg string) (store.Credential, error) {
	var c store.Credential
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&c.UserID, &c.Username, &c.Email, &c.PasswordHash, &c.FailedCount, &c.Blocked,
	)
	if err != nil {
		return store.Credential{}, mapNotFound(err)
	}
	roles, err := loadRoles(ctx, r.db, c.UserID)
	if err != nil {
		return store.Credential{}, err
	}
	c.Roles = roles
	return c, nil
}

func loadRoles(ctx context.Context, q dbtx, userID string) ([]store.Role, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT cr.role_name, rp.permission
		FROM credential_roles cr
		LEFT JOIN role_permissions rp ON rp.role_name = cr.role_name
		WHERE cr.user_id = ?
		ORDER BY cr.position, rp.position`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []store.Role
	for rows.Next() {
		var (
			name string
			perm sql.NullString
		)
		if err := rows.Scan(&name, &perm); err != nil {
			return nil, err
		}
		if len(roles) == 0 || roles[len(roles)-1].Name != name {
			roles = append(roles, store.Role{Name: name})
		}
		if perm.Valid {
			last := &roles[len(roles)-1]
			last.Permissions = append(last.Permissions, perm.String)
		}
	}
	return roles, rows.Err()
}

func (r *credentialsRepo) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET password_hash = ?, updated_at = ? WHERE username = ?`,
		hash, r.s.now().Unix(), username,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementFailures advances the counter in a single statement, so
// concurrent failures are serialised by the database rather than racing a
// read-modify-write.
func (r *credentialsRepo) IncrementFailures(ctx context.Context, username string, threshold int) (store.FailureState, error) {
	var st store.FailureState
	err := r.db.QueryRowContext(ctx, `
		UPDATE credentials
		SET failed_count = failed_count + 1,
		    blocked = CASE WHEN failed_count + 1 >= ? THEN 1 ELSE blocked END,
		    updated_at = ?
		WHERE username = ?
		RETURNING failed_count, blocked`,
		threshold, r.s.now().Unix(), username,
	).Scan(&st.FailedCount, &st.Blocked)
	if err != nil {
		return store.FailureState{}, mapNotFound(err)
	}
	return st, nil
}

func (r *credentialsRepo) ResetFailures(ctx context.Context, username string) (store.FailureState, error) {
	var prev store.FailureState
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT failed_count, blocked FROM credentials WHERE username = ?`, username,
		).Scan(&prev.FailedCount, &prev.Blocked); err != nil {
			return mapNotFound(err)
		}
		if prev.FailedCount == 0 && !prev.Blocked {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE credentials SET failed_count = 0, blocked = 0, updated_at = ? WHERE username = ?`,
			r.s.now().Unix(), username,
		)
		return err
	})
	if err != nil {
		return store.FailureState{}, err
	}
	return prev, nil
}

func (r *credentialsRepo) FailureState(ctx context.Context, username string) (store.FailureState, error) {
	var st store.FailureState
	err := r.db.QueryRowContext(ctx,
		`SELECT failed_count, blocked FROM credentials WHERE username = ?`, username,
	).Scan(&st.FailedCount, &st.Blocked)
	if err != nil {
		return store.FailureState{}, mapNotFound(err)
	}
	return st, nil
}
