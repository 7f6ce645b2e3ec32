package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	appCtx "github.com/followlytics/follower-service/internal/pkg/context"
	"github.com/followlytics/follower-service/internal/service"
	"github.com/followlytics/follower-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type Handler struct {
	svc *service.FollowerService
}

func NewHandler(svc *service.FollowerService) *Handler {
	return &Handler{svc: svc}
}

// RegisterTarget starts tracking a target account for the caller.
func (h *Handler) RegisterTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetAccount string `json:"target_account"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.TargetAccount) == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "target_account is required", map[string]string{
			"target_account": "must be a non-empty handle",
		})
		return
	}

	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	idempotencyKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	tgt, err := h.svc.RegisterTarget(r.Context(), traceID(r), idempotencyKey, req.TargetAccount, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusCreated, tgt)
}

// ArchiveTarget stops tracking; history stays readable.
func (h *Handler) ArchiveTarget(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	target := chi.URLParam(r, "target")
	if err := h.svc.ArchiveTarget(r.Context(), traceID(r), target, auth.UserID, auth.Role); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"status": "archived"})
}

// RunScan triggers one extraction-and-reconciliation pass synchronously.
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	idempotencyKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	// Body is optional; {"max_followers": N} overrides the default cap.
	var req struct {
		MaxFollowers int `json:"max_followers"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
			return
		}
	}
	if req.MaxFollowers < 0 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "max_followers must be positive", nil)
		return
	}

	target := chi.URLParam(r, "target")
	scan, err := h.svc.RunScan(r.Context(), traceID(r), idempotencyKey, target, auth.UserID, auth.Role, req.MaxFollowers)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, scan)
}

// Followers lists the follower set, newest first.
// status=active,unfollowed filters; default is all.
func (h *Handler) Followers(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeFollowerCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	var statuses []domain.FollowerStatus
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		for _, p := range strings.Split(s, ",") {
			v := domain.FollowerStatus(strings.TrimSpace(p))
			if v != "" {
				statuses = append(statuses, v)
			}
		}
	}

	items, next, err := h.svc.ListFollowers(r.Context(), target, statuses, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeFollowerCursor(next),
	})
}

// Unfollowers is the followers listing pinned to unfollowed records.
func (h *Handler) Unfollowers(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeFollowerCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListUnfollowers(r.Context(), target, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeFollowerCursor(next),
	})
}

// Events pages the lifecycle history.
// type=unfollowed,refollowed filters; from/to bound the window (RFC3339).
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeEventCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	var types []domain.EventType
	if s := strings.TrimSpace(r.URL.Query().Get("type")); s != "" {
		for _, p := range strings.Split(s, ",") {
			v := domain.EventType(strings.TrimSpace(p))
			if v != "" {
				types = append(types, v)
			}
		}
	}

	var from *time.Time
	if s := strings.TrimSpace(r.URL.Query().Get("from")); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid from", nil)
			return
		}
		tt := t.UTC()
		from = &tt
	}
	var to *time.Time
	if s := strings.TrimSpace(r.URL.Query().Get("to")); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid to", nil)
			return
		}
		tt := t.UTC()
		to = &tt
	}

	items, next, err := h.svc.ListEvents(r.Context(), target, types, from, to, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeEventCursor(next),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetStats(r.Context(), chi.URLParam(r, "target"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, s)
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyTracked):
		fail(w, r, http.StatusConflict, "target.already_tracked", err.Error(), nil)
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_mismatch", err.Error(), nil)
	case errors.Is(err, domain.ErrScanInProgress):
		fail(w, r, http.StatusConflict, "scan.in_progress", err.Error(), nil)

	case errors.Is(err, domain.ErrTargetArchived):
		fail(w, r, http.StatusGone, "target.archived", err.Error(), nil)

	case errors.Is(err, domain.ErrTargetNotFound), errors.Is(err, domain.ErrTargetNotKnown):
		fail(w, r, http.StatusNotFound, "target.not_found", err.Error(), nil)

	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)

	default:
		// Do not leak internal details.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}

func traceID(r *http.Request) string {
	if id := appCtx.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "no-request-id"
}

// requireIdempotencyKey enforces the X-Idempotency-Key header on writes.
func requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		key = r.Header.Get("Idempotency-Key") // legacy fallback
	}
	if key == "" {
		fail(w, r, http.StatusBadRequest, "idempotency_key.required", "X-Idempotency-Key header is required for this operation", nil)
		return "", false
	}
	return key, true
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
