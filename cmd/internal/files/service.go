package files

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/metrics"
)

// Event types pushed to an owner's feed.
const (
	EventReceived  = "file.received"
	EventDestroyed = "file.destroyed"
)

// Notifier delivers best-effort events to an owner's connected clients.
type Notifier interface {
	Publish(ownerID, eventType string, payload any)
}

// ListPolicy decides what List returns for roles other than user and owner.
type ListPolicy string

const (
	ListDeny ListPolicy = "deny"
	ListAll  ListPolicy = "all"
)

// ParseListPolicy accepts "deny" or "all"; anything else is deny.
func ParseListPolicy(s string) ListPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(ListAll)) {
		return ListAll
	}
	return ListDeny
}

// UploadResult is returned by Upload. Fallback is set when the envelope
// went to the fallback backend and still awaits import.
type UploadResult struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
	Fallback  bool
	Status    Status
}

// Destroyed is the terminal view of an envelope.
type Destroyed struct {
	ID        string
	Name      string
	DeletedAt time.Time
	Status    Status
}

// EventPayload is the metadata pushed with feed events.
type EventPayload struct {
	FileID    string     `json:"file_id"`
	FileName  string     `json:"file_name"`
	Size      int64      `json:"file_size_bytes"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Service struct {
	store    Store
	fallback Fallback
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	maxBytes int64
	policy   ListPolicy
}

type Option func(*Service)

// WithFallback enables the pending-import path for uploads.
func WithFallback(fb Fallback) Option { return func(s *Service) { s.fallback = fb } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithListPolicy(p ListPolicy) Option { return func(s *Service) { s.policy = p } }

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("files: nil store")
	}
	s := &Service{
		store:    store,
		log:      slog.Default(),
		now:      time.Now,
		maxBytes: DefaultMaxBytes,
		policy:   ListDeny,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// MaxBytes returns the configured ciphertext ceiling.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Upload validates and stores a new envelope. Any authenticated role may
// upload; the uploader is recorded only for users.
//
// If the primary store is unreachable and a fallback is configured, the
// envelope is kept there in pending-import state instead of being lost.
func (s *Service) Upload(ctx context.Context, claims *session.Claims, in UploadInput) (UploadResult, error) {
	const op = "files.Upload"

	if err := authz.Authorize(claims, nil, ""); err != nil {
		return UploadResult{}, err
	}
	if err := in.Validate(s.maxBytes); err != nil {
		s.metrics.Upload("rejected", 0)
		return UploadResult{}, err
	}

	e := Envelope{
		ID:         uuid.NewString(),
		OwnerID:    strings.TrimSpace(in.OwnerID),
		Name:       in.Name,
		Ciphertext: in.Ciphertext,
		Size:       int64(len(in.Ciphertext)),
		MIME:       mimeOrDefault(in.MIME),
		IV:         in.IV,
		AuthTag:    in.AuthTag,
		WrappedKey: in.WrappedKey,
		CreatedAt:  s.now().UTC(),
	}
	if claims.Role == identity.RoleUser {
		sub := claims.Subject
		e.UploaderID = &sub
	}

	err := s.store.Insert(ctx, e)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrTransient) && s.fallback != nil:
		return s.uploadFallback(ctx, e, err)
	case errors.Is(err, apperr.ErrNotFound):
		s.metrics.Upload("rejected", 0)
		return UploadResult{}, apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: apperr.Message(err), Err: err}
	default:
		s.metrics.Upload("failed", 0)
		return UploadResult{}, err
	}

	s.metrics.Upload("stored", e.Size)
	s.log.Info("files.upload",
		"file_id", e.ID,
		"owner_id", e.OwnerID,
		"role", claims.Role.String(),
		"size", e.Size,
	)
	s.publish(e.OwnerID, EventReceived, EventPayload{
		FileID:    e.ID,
		FileName:  e.Name,
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
	})

	return UploadResult{
		ID:        e.ID,
		Name:      e.Name,
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
		Status:    StatusWaiting,
	}, nil
}

func (s *Service) uploadFallback(ctx context.Context, e Envelope, cause error) (UploadResult, error) {
	const op = "files.Upload"

	p := Pending{Envelope: e, State: StatePendingImport, StoredAt: e.CreatedAt}
	if err := s.fallback.Put(ctx, p); err != nil {
		s.metrics.Upload("failed", 0)
		s.log.Error("files.upload.fallback_failed", "file_id", e.ID, "backend", s.fallback.Name(), "err", err, "cause", cause)
		return UploadResult{}, apperr.Wrap(op, apperr.ErrTransient, errors.Join(cause, err))
	}

	s.metrics.Upload("fallback", e.Size)
	if n, err := s.fallback.Count(ctx); err == nil {
		s.metrics.SetFallbackPending(n)
	}
	s.log.Warn("files.upload.fallback",
		"file_id", e.ID,
		"owner_id", e.OwnerID,
		"backend", s.fallback.Name(),
		"size", e.Size,
		"cause", cause,
	)

	return UploadResult{
		ID:        e.ID,
		Name:      e.Name,
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
		Fallback:  true,
		Status:    StatusPendingImport,
	}, nil
}

// List returns the caller's live envelopes, newest first.
func (s *Service) List(ctx context.Context, claims *session.Claims) ([]Summary, error) {
	const op = "files.List"

	if err := authz.Authorize(claims, nil, ""); err != nil {
		return nil, err
	}
	switch claims.Role {
	case identity.RoleUser:
		return s.store.ListByUploader(ctx, claims.Subject, PageSize)
	case identity.RoleOwner:
		return s.store.ListByOwner(ctx, claims.Subject, PageSize)
	}
	if s.policy == ListAll {
		return s.store.ListRecent(ctx, PageSize)
	}
	return nil, apperr.New(op, apperr.ErrInsufficientRole, "role may not list files")
}

// Retrieve returns the envelope with its payload. It is read-only and may be
// repeated until the envelope is destroyed.
func (s *Service) Retrieve(ctx context.Context, claims *session.Claims, id string) (Envelope, error) {
	const op = "files.Retrieve"

	if err := s.checkAccess(ctx, op, claims, id); err != nil {
		return Envelope{}, err
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	// Ownership is rechecked on the row that is actually returned.
	if err := authz.Authorize(claims, ownerOnly, e.OwnerID); err != nil {
		return Envelope{}, err
	}
	s.log.Info("files.retrieve", "file_id", e.ID, "owner_id", e.OwnerID)
	return e, nil
}

// Destroy marks the envelope printed and deleted in one statement and wipes
// its payload.
func (s *Service) Destroy(ctx context.Context, claims *session.Claims, id string) (Destroyed, error) {
	const op = "files.Destroy"

	if err := authz.Authorize(claims, ownerOnly, ""); err != nil {
		return Destroyed{}, err
	}
	if !validID(id) {
		return Destroyed{}, apperr.New(op, apperr.ErrNotFound, "file not found")
	}

	e, ok, err := s.store.Destroy(ctx, id, claims.Subject, s.now().UTC())
	if err != nil {
		return Destroyed{}, err
	}
	if !ok {
		return Destroyed{}, s.classifyMiss(ctx, op, claims, id)
	}

	s.metrics.Destroyed()
	s.log.Info("files.destroy", "file_id", e.ID, "owner_id", e.OwnerID)

	var deletedAt time.Time
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	s.publish(e.OwnerID, EventDestroyed, EventPayload{
		FileID:    e.ID,
		FileName:  e.Name,
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
		DeletedAt: e.DeletedAt,
	})
	return Destroyed{ID: e.ID, Name: e.Name, DeletedAt: deletedAt, Status: StatusDestroyed}, nil
}

// History lists the caller's destroyed envelopes, most recent first.
func (s *Service) History(ctx context.Context, claims *session.Claims) ([]HistoryEntry, error) {
	if err := authz.Authorize(claims, ownerOnly, ""); err != nil {
		return nil, err
	}
	return s.store.History(ctx, claims.Subject, PageSize)
}

var ownerOnly = []identity.Role{identity.RoleOwner}

// checkAccess applies the existence and ownership rules shared by Retrieve
// and Destroy. Deleted envelopes look exactly like missing ones.
func (s *Service) checkAccess(ctx context.Context, op string, claims *session.Claims, id string) error {
	if err := authz.Authorize(claims, ownerOnly, ""); err != nil {
		return err
	}
	if !validID(id) {
		return apperr.New(op, apperr.ErrNotFound, "file not found")
	}
	st, err := s.store.State(ctx, id)
	if err != nil {
		return err
	}
	if st.Deleted {
		return apperr.New(op, apperr.ErrNotFound, "file not found")
	}
	return authz.Authorize(claims, ownerOnly, st.OwnerID)
}

// classifyMiss explains why Destroy matched no row.
func (s *Service) classifyMiss(ctx context.Context, op string, claims *session.Claims, id string) error {
	st, err := s.store.State(ctx, id)
	if err != nil {
		return err
	}
	if err := authz.Authorize(claims, ownerOnly, st.OwnerID); err != nil {
		return err
	}
	if st.Deleted {
		return apperr.New(op, apperr.ErrAlreadyDeleted, "file already deleted")
	}
	return apperr.New(op, apperr.ErrConflict, "file changed concurrently")
}

func (s *Service) publish(ownerID, typ string, p EventPayload) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ownerID, typ, p)
}
