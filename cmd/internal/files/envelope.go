package files

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/cmd/internal/apperr"
)

const (
	// DefaultMaxBytes is the hard ceiling on ciphertext size (500 MiB).
	DefaultMaxBytes int64 = 500 << 20

	// PageSize caps list and history responses.
	PageSize = 100

	DefaultMIME = "application/octet-stream"

	maxNameLen  = 255
	maxFieldLen = 8192
	maxMIMELen  = 255
)

// Status is the lifecycle state reported to callers.
type Status string

const (
	StatusWaiting       Status = "WAITING_TO_PRINT"
	StatusPrinted       Status = "PRINTED_AND_DELETED"
	StatusDestroyed     Status = "DESTROYED"
	StatusPendingImport Status = "PENDING_IMPORT"
)

var nameRe = regexp.MustCompile(`^[\w\s.\-]+$`)

// Envelope is one stored encrypted artifact. IV, AuthTag and WrappedKey are
// opaque client strings kept verbatim.
type Envelope struct {
	ID         string     `json:"id"`
	UploaderID *string    `json:"uploader_id,omitempty"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"file_name"`
	Ciphertext []byte     `json:"encrypted_file,omitempty"`
	Size       int64      `json:"file_size_bytes"`
	MIME       string     `json:"mime_type"`
	IV         string     `json:"iv_vector,omitempty"`
	AuthTag    string     `json:"auth_tag,omitempty"`
	WrappedKey string     `json:"encrypted_symmetric_key,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Printed    bool       `json:"is_printed"`
	PrintedAt  *time.Time `json:"printed_at,omitempty"`
	Deleted    bool       `json:"is_deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Summary is the list view of an envelope. It never carries key material.
type Summary struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
	Printed   bool
	PrintedAt *time.Time
}

// HistoryEntry describes a destroyed envelope.
type HistoryEntry struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
	PrintedAt *time.Time
	DeletedAt *time.Time
}

// State is the minimum needed to decide access to an envelope.
type State struct {
	OwnerID string
	Deleted bool
}

// UploadInput is what a caller hands over for a new envelope.
type UploadInput struct {
	Name       string
	OwnerID    string
	Ciphertext []byte
	IV         string
	AuthTag    string
	WrappedKey string
	MIME       string
}

// Validate checks in and returns the first problem found. The checks follow
// the order the upload form is filled in: payload, name, crypto fields,
// owner, wrapped key.
func (in UploadInput) Validate(maxBytes int64) error {
	const op = "files.Validate"

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	switch {
	case len(in.Ciphertext) == 0:
		return apperr.Validation(op, "file is required")
	case int64(len(in.Ciphertext)) > maxBytes:
		return apperr.New(op, apperr.ErrTooLarge, "file too large")
	}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return apperr.Validation(op, "file_name is required")
	case len(in.Name) > maxNameLen:
		return apperr.Validation(op, "file_name is too long")
	case !nameRe.MatchString(in.Name):
		return apperr.Validation(op, "file_name contains invalid characters")
	}

	if err := requireField(op, "iv_vector", in.IV); err != nil {
		return err
	}
	if err := requireField(op, "auth_tag", in.AuthTag); err != nil {
		return err
	}
	if strings.TrimSpace(in.OwnerID) == "" {
		return apperr.Validation(op, "owner_id is required")
	}
	if err := requireField(op, "encrypted_symmetric_key", in.WrappedKey); err != nil {
		return err
	}
	if len(in.MIME) > maxMIMELen {
		return apperr.Validation(op, "mime type is too long")
	}
	return nil
}

func requireField(op, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Validation(op, field+" is required")
	}
	if len(v) > maxFieldLen {
		return apperr.Validation(op, field+" is too long")
	}
	return nil
}

func mimeOrDefault(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return DefaultMIME
	}
	return m
}

// validID reports whether id can name an envelope. Anything else cannot
// exist, so callers treat it as not found.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s Summary) Status() Status {
	if s.Printed {
		return StatusPrinted
	}
	return StatusWaiting
}
