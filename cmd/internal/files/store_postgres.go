package files

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/apperr"
	"courier/cmd/internal/pgstore"
)

// PostgresStore implements Store over the files table.
type PostgresStore struct {
	db *pgstore.DB
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...pgstore.Option) (*PostgresStore, error) {
	db, err := pgstore.New(pool, opts...)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e Envelope) error {
	const op = "files.Insert"

	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		_, err := c.Exec(ctx, `
			INSERT INTO `+s.db.Table("files")+` (
				id, uploader_id, owner_id, file_name, encrypted_file,
				file_size_bytes, mime_type, iv_vector, auth_tag,
				encrypted_symmetric_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, e.ID, e.UploaderID, e.OwnerID, e.Name, e.Ciphertext,
			int64(len(e.Ciphertext)), e.MIME, e.IV, e.AuthTag, e.WrappedKey, e.CreatedAt)
		return err
	})
	return mapWriteErr(op, err)
}

const summaryColumns = `id::text, file_name, file_size_bytes, created_at, is_printed, printed_at`

func (s *PostgresStore) ListByUploader(ctx context.Context, uploaderID string, limit int) ([]Summary, error) {
	return s.list(ctx, "files.ListByUploader", `
		SELECT `+summaryColumns+`
		  FROM `+s.db.Table("files")+`
		 WHERE NOT is_deleted AND uploader_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, uploaderID, limit)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Summary, error) {
	return s.list(ctx, "files.ListByOwner", `
		SELECT `+summaryColumns+`
		  FROM `+s.db.Table("files")+`
		 WHERE NOT is_deleted AND owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, ownerID, limit)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	return s.list(ctx, "files.ListRecent", `
		SELECT `+summaryColumns+`
		  FROM `+s.db.Table("files")+`
		 WHERE NOT is_deleted
		 ORDER BY created_at DESC
		 LIMIT $1
	`, limit)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]Summary, error) {
	out := make([]Summary, 0, 16)
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		rows, err := c.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sm Summary
			if err := rows.Scan(&sm.ID, &sm.Name, &sm.Size, &sm.CreatedAt, &sm.Printed, &sm.PrintedAt); err != nil {
				return err
			}
			out = append(out, sm)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) State(ctx context.Context, id string) (State, error) {
	const op = "files.State"

	var st State
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		return c.QueryRow(ctx, `
			SELECT owner_id, is_deleted FROM `+s.db.Table("files")+` WHERE id = $1
		`, id).Scan(&st.OwnerID, &st.Deleted)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, apperr.New(op, apperr.ErrNotFound, "file not found")
	}
	return st, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Envelope, error) {
	const op = "files.Get"

	var e Envelope
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		return c.QueryRow(ctx, `
			SELECT id::text, uploader_id, owner_id, file_name, encrypted_file,
			       file_size_bytes, mime_type, iv_vector, auth_tag,
			       encrypted_symmetric_key, created_at, is_printed, printed_at
			  FROM `+s.db.Table("files")+`
			 WHERE id = $1 AND NOT is_deleted
		`, id).Scan(
			&e.ID, &e.UploaderID, &e.OwnerID, &e.Name, &e.Ciphertext,
			&e.Size, &e.MIME, &e.IV, &e.AuthTag,
			&e.WrappedKey, &e.CreatedAt, &e.Printed, &e.PrintedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Envelope{}, apperr.New(op, apperr.ErrNotFound, "file not found")
	}
	return e, err
}

// Destroy sets both terminal flags and clears every payload column in a
// single UPDATE, so concurrent destroys see exactly one winner.
func (s *PostgresStore) Destroy(ctx context.Context, id, ownerID string, now time.Time) (Envelope, bool, error) {
	const op = "files.Destroy"

	var e Envelope
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		return c.QueryRow(ctx, `
			UPDATE `+s.db.Table("files")+`
			   SET is_deleted = TRUE,
			       deleted_at = $3,
			       is_printed = TRUE,
			       printed_at = COALESCE(printed_at, $3),
			       encrypted_file = NULL,
			       iv_vector = NULL,
			       auth_tag = NULL,
			       encrypted_symmetric_key = NULL
			 WHERE id = $1 AND owner_id = $2 AND NOT is_deleted
			RETURNING id::text, owner_id, file_name, file_size_bytes, created_at,
			          is_printed, printed_at, is_deleted, deleted_at
		`, id, ownerID, now).Scan(
			&e.ID, &e.OwnerID, &e.Name, &e.Size, &e.CreatedAt,
			&e.Printed, &e.PrintedAt, &e.Deleted, &e.DeletedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	return e, true, nil
}

func (s *PostgresStore) History(ctx context.Context, ownerID string, limit int) ([]HistoryEntry, error) {
	out := make([]HistoryEntry, 0, 16)
	err := s.db.Do(ctx, "files.History", func(ctx context.Context, c *pgxpool.Conn) error {
		rows, err := c.Query(ctx, `
			SELECT id::text, file_name, file_size_bytes, created_at, printed_at, deleted_at
			  FROM `+s.db.Table("files")+`
			 WHERE is_deleted AND owner_id = $1
			 ORDER BY deleted_at DESC
			 LIMIT $2
		`, ownerID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h HistoryEntry
			if err := rows.Scan(&h.ID, &h.Name, &h.Size, &h.CreatedAt, &h.PrintedAt, &h.DeletedAt); err != nil {
				return err
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Import inserts a recovered envelope. A vanished uploader is dropped to
// NULL like the ON DELETE rule would have done; a vanished owner is
// reported as not found.
func (s *PostgresStore) Import(ctx context.Context, e Envelope, importedAt time.Time) (bool, error) {
	const op = "files.Import"

	if err := (UploadInput{
		Name: e.Name, OwnerID: e.OwnerID, Ciphertext: e.Ciphertext,
		IV: e.IV, AuthTag: e.AuthTag, WrappedKey: e.WrappedKey, MIME: e.MIME,
	}).Validate(int64(len(e.Ciphertext))); err != nil {
		return false, err
	}
	if !validID(e.ID) {
		return false, apperr.Validation(op, "invalid file id")
	}

	inserted, err := s.importRow(ctx, op, e, importedAt)
	if con, ok := pgstore.ForeignKeyViolation(err); ok && strings.Contains(con, "uploader") {
		e.UploaderID = nil
		inserted, err = s.importRow(ctx, op, e, importedAt)
	}
	if err != nil {
		return false, mapWriteErr(op, err)
	}
	return inserted, nil
}

func (s *PostgresStore) importRow(ctx context.Context, op string, e Envelope, importedAt time.Time) (bool, error) {
	var inserted bool
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		tag, err := c.Exec(ctx, `
			INSERT INTO `+s.db.Table("files")+` (
				id, uploader_id, owner_id, file_name, encrypted_file,
				file_size_bytes, mime_type, iv_vector, auth_tag,
				encrypted_symmetric_key, created_at, imported_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.UploaderID, e.OwnerID, e.Name, e.Ciphertext,
			int64(len(e.Ciphertext)), mimeOrDefault(e.MIME), e.IV, e.AuthTag, e.WrappedKey,
			e.CreatedAt, importedAt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if con, ok := pgstore.ForeignKeyViolation(err); ok {
		if strings.Contains(con, "owner") {
			return apperr.Error{Op: op, Kind: apperr.ErrNotFound, Msg: "owner not found", Err: err}
		}
		return apperr.Error{Op: op, Kind: apperr.ErrNotFound, Msg: "uploader not found", Err: err}
	}
	if pgstore.CheckViolation(err) {
		return apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "envelope rejected by store", Err: err}
	}
	return err
}
