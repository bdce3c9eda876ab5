package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/store"
)

type totpRepo struct {
	db *sql.DB
	s  *Store
}

func (r *totpRepo) CreateSecret(ctx context.Context, sec store.TOTPSecret) error {
	if sec.ID == "" || sec.Username == "" || sec.SecretKey == "" {
		return errors.New("sqlite: totp secret needs id, username and secret key")
	}
	createdAt := sec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.s.now()
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO totp_secrets (id, username, secret_key, device_name, created_at, active)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sec.ID, sec.Username, sec.SecretKey, sec.DeviceName, createdAt.Unix(), sec.Active,
		); err != nil {
			if isForeignKeyErr(err) {
				return store.ErrNotFound
			}
			return mapConstraint(err)
		}
		return insertBackupCodes(ctx, tx, sec.ID, sec.BackupCodes)
	})
}

const selectSecret = `
	SELECT id, username, secret_key, device_name, created_at, active
	FROM totp_secrets`

func (r *totpRepo) GetSecret(ctx context.Context, id string) (store.TOTPSecret, error) {
	return r.findOne(ctx, selectSecret+` WHERE id = ?`, id)
}

func (r *totpRepo) ActiveSecret(ctx context.Context, username string) (store.TOTPSecret, error) {
	return r.findOne(ctx, selectSecret+` WHERE username = ? AND active = 1`, username)
}

func (r *totpRepo) findOne(ctx context.Context, query, arg string) (store.TOTPSecret, error) {
	sec, err := scanSecret(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return store.TOTPSecret{}, mapNotFound(err)
	}
	codes, err := loadBackupCodes(ctx, r.db, sec.ID)
	if err != nil {
		return store.TOTPSecret{}, err
	}
	sec.BackupCodes = codes
	return sec, nil
}

// ListSecrets returns every device of username, newest first.
func (r *totpRepo) ListSecrets(ctx context.Context, username string) ([]store.TOTPSecret, error) {
	rows, err := r.db.QueryContext(ctx, selectSecret+` WHERE username = ? ORDER BY created_at DESC, id DESC`, username)
	if err != nil {
		return nil, err
	}
	secrets := []store.TOTPSecret{}
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		secrets = append(secrets, sec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range secrets {
		codes, err := loadBackupCodes(ctx, r.db, secrets[i].ID)
		if err != nil {
			return nil, err
		}
		secrets[i].BackupCodes = codes
	}
	return secrets, nil
}

func (r *totpRepo) ActivateSecret(ctx context.Context, id string, backupHashes []string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		var username string
		if err := tx.QueryRowContext(ctx, `SELECT username FROM totp_secrets WHERE id = ?`, id).Scan(&username); err != nil {
			return mapNotFound(err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM totp_secrets WHERE username = ? AND active = 1 AND id <> ?`, username, id,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE totp_secrets SET active = 1 WHERE id = ?`, id); err != nil {
			return mapConstraint(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM totp_backup_codes WHERE secret_id = ?`, id); err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, id, backupHashes)
	})
}

func (r *totpRepo) ReplaceBackupCodes(ctx context.Context, id string, backupHashes []string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM totp_secrets WHERE id = ?`, id).Scan(&exists); err != nil {
			return mapNotFound(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM totp_backup_codes WHERE secret_id = ?`, id); err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, id, backupHashes)
	})
}

// ConsumeBackupCode deletes one code row. The rows-affected check makes the
// consume single-use even when two callers matched the same hash.
func (r *totpRepo) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM totp_backup_codes WHERE secret_id = ? AND code_hash = ?`, id, hash,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *totpRepo) RenameSecret(ctx context.Context, id, deviceName string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE totp_secrets SET device_name = ? WHERE id = ?`, deviceName, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *totpRepo) DeleteSecret(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM totp_secrets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *totpRepo) DeletePendingSecrets(ctx context.Context, username string) (int, error) {
	return r.deleteWhere(ctx, `DELETE FROM totp_secrets WHERE username = ? AND active = 0`, username)
}

func (r *totpRepo) DeleteAllSecrets(ctx context.Context, username string) (int, error) {
	return r.deleteWhere(ctx, `DELETE FROM totp_secrets WHERE username = ?`, username)
}

func (r *totpRepo) deleteWhere(ctx context.Context, query, username string) (int, error) {
	res, err := r.db.ExecContext(ctx, query, username)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (store.TOTPSecret, error) {
	var (
		sec       store.TOTPSecret
		createdAt int64
	)
	if err := row.Scan(&sec.ID, &sec.Username, &sec.SecretKey, &sec.DeviceName, &createdAt, &sec.Active); err != nil {
		return store.TOTPSecret{}, err
	}
	sec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return sec, nil
}

func loadBackupCodes(ctx context.Context, q dbtx, secretID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT code_hash FROM totp_backup_codes WHERE secret_id = ? ORDER BY position`, secretID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		codes = append(codes, hash)
	}
	return codes, rows.Err()
}

func insertBackupCodes(ctx context.Context, tx *sql.Tx, secretID string, hashes []string) error {
	for i, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO totp_backup_codes (secret_id, position, code_hash) VALUES (?, ?, ?)`,
			secretID, i, hash,
		); err != nil {
			return mapConstraint(err)
		}
	}
	return nil
}
