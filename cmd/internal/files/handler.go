package files

import (
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/cmd/internal/apperr"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/web"
)

const (
	// multipartOverhead covers the form fields sent alongside the file.
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20
)

// Handler exposes the Service over HTTP. Routes expect authz.Middleware to
// run first.
type Handler struct {
	svc *Service
	rs  *web.Responder
}

func NewHandler(svc *Service, rs *web.Responder) *Handler {
	return &Handler{svc: svc, rs: rs}
}

// UploadRoutes registers the upload route apart from Routes, so the router can
// mount it behind an authenticator that tolerates a session store outage.
func (h *Handler) UploadRoutes(r chi.Router) {
	r.Post("/api/upload", h.Upload)
}

// Routes registers the remaining file routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/files", h.List)
	r.Get("/api/print/{id}", h.Retrieve)
	r.Get("/api/files/{id}", h.Retrieve)
	r.Post("/api/delete/{id}", h.Destroy)
	r.Delete("/api/files/{id}", h.Destroy)
	r.Get("/api/owners/history", h.History)
}

type uploadResponse struct {
	Success    bool   `json:"success"`
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"file_size_bytes"`
	UploadedAt string `json:"uploaded_at"`
	Status     Status `json:"status"`
	Fallback   bool   `json:"fallback,omitempty"`
	Message    string `json:"message"`
}

type summaryResponse struct {
	FileID     string  `json:"file_id"`
	FileName   string  `json:"file_name"`
	Size       int64   `json:"file_size_bytes"`
	UploadedAt string  `json:"uploaded_at"`
	Printed    bool    `json:"is_printed"`
	PrintedAt  *string `json:"printed_at"`
	Status     Status  `json:"status"`
}

type listResponse struct {
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Files   []summaryResponse `json:"files"`
}

type retrieveResponse struct {
	Success    bool   `json:"success"`
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"file_size_bytes"`
	MIME       string `json:"mime_type"`
	UploadedAt string `json:"uploaded_at"`
	Printed    bool   `json:"is_printed"`
	Ciphertext string `json:"encrypted_file_data"`
	IV         string `json:"iv_vector"`
	AuthTag    string `json:"auth_tag"`
	WrappedKey string `json:"encrypted_symmetric_key"`
}

type destroyResponse struct {
	Success   bool   `json:"success"`
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	Status    Status `json:"status"`
	DeletedAt string `json:"deleted_at"`
}

type historyItem struct {
	FileID     string  `json:"file_id"`
	FileName   string  `json:"file_name"`
	Size       int64   `json:"file_size_bytes"`
	UploadedAt string  `json:"uploaded_at"`
	PrintedAt  *string `json:"printed_at"`
	DeletedAt  *string `json:"deleted_at"`
}

type historyResponse struct {
	Success bool          `json:"success"`
	Count   int           `json:"count"`
	Files   []historyItem `json:"files"`
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())

	in, cleanup, err := h.readUpload(w, r)
	defer cleanup()
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	res, err := h.svc.Upload(r.Context(), claims, in)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	msg := "file uploaded; share the file_id with the owner"
	if res.Fallback {
		msg = "file accepted while the database is unavailable; it will be imported automatically"
	}
	web.WriteJSON(w, http.StatusCreated, uploadResponse{
		Success:    true,
		FileID:     res.ID,
		FileName:   res.Name,
		Size:       res.Size,
		UploadedAt: stamp(res.CreatedAt),
		Status:     res.Status,
		Fallback:   res.Fallback,
		Message:    msg,
	})
}

// readUpload parses the multipart form. The body is capped before parsing;
// Service.Upload checks the decoded size again.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (UploadInput, func(), error) {
	const op = "files.readUpload"
	noop := func() {}

	limit := h.svc.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return UploadInput{}, noop, apperr.Error{Op: op, Kind: apperr.ErrTooLarge, Msg: "file too large", Err: err}
		}
		return UploadInput{}, noop, apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "invalid multipart form", Err: err}
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	in := UploadInput{
		Name:       r.FormValue("file_name"),
		OwnerID:    r.FormValue("owner_id"),
		IV:         r.FormValue("iv_vector"),
		AuthTag:    r.FormValue("auth_tag"),
		WrappedKey: r.FormValue("encrypted_symmetric_key"),
	}

	f, hdr, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return in, cleanup, nil // Validate reports the missing file
	case err != nil:
		return UploadInput{}, cleanup, apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "invalid file part", Err: err}
	}
	defer func() { _ = f.Close() }()

	if hdr.Size > limit {
		return UploadInput{}, cleanup, apperr.New(op, apperr.ErrTooLarge, "file too large")
	}
	in.MIME = partMIME(hdr)
	in.Ciphertext, err = io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return UploadInput{}, cleanup, apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "could not read file", Err: err}
	}
	return in, cleanup, nil
}

func partMIME(hdr *multipart.FileHeader) string {
	if hdr == nil {
		return ""
	}
	return hdr.Header.Get("Content-Type")
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())

	items, err := h.svc.List(r.Context(), claims)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	out := make([]summaryResponse, 0, len(items))
	for _, it := range items {
		out = append(out, summaryResponse{
			FileID:     it.ID,
			FileName:   it.Name,
			Size:       it.Size,
			UploadedAt: stamp(it.CreatedAt),
			Printed:    it.Printed,
			PrintedAt:  stampPtr(it.PrintedAt),
			Status:     it.Status(),
		})
	}
	web.WriteJSON(w, http.StatusOK, listResponse{Success: true, Count: len(out), Files: out})
}

func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())

	e, err := h.svc.Retrieve(r.Context(), claims, chi.URLParam(r, "id"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, retrieveResponse{
		Success:    true,
		FileID:     e.ID,
		FileName:   e.Name,
		Size:       e.Size,
		MIME:       e.MIME,
		UploadedAt: stamp(e.CreatedAt),
		Printed:    e.Printed,
		Ciphertext: base64.StdEncoding.EncodeToString(e.Ciphertext),
		IV:         e.IV,
		AuthTag:    e.AuthTag,
		WrappedKey: e.WrappedKey,
	})
}

func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())

	d, err := h.svc.Destroy(r.Context(), claims, chi.URLParam(r, "id"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, destroyResponse{
		Success:   true,
		FileID:    d.ID,
		FileName:  d.Name,
		Status:    d.Status,
		DeletedAt: stamp(d.DeletedAt),
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())

	items, err := h.svc.History(r.Context(), claims)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	out := make([]historyItem, 0, len(items))
	for _, it := range items {
		out = append(out, historyItem{
			FileID:     it.ID,
			FileName:   it.Name,
			Size:       it.Size,
			UploadedAt: stamp(it.CreatedAt),
			PrintedAt:  stampPtr(it.PrintedAt),
			DeletedAt:  stampPtr(it.DeletedAt),
		})
	}
	web.WriteJSON(w, http.StatusOK, historyResponse{Success: true, Count: len(out), Files: out})
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}
