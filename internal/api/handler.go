// Package api exposes the lock manager over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/lock"
)

const maxBodyBytes = 1 << 20

// AcquireBody is the JSON body of POST /v1/locks.
type AcquireBody struct {
	ResourceID string `json:"resourceId"`
	OwnerID    string `json:"ownerId"`
	ProjectID  string `json:"projectId,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	// Duration is a Go duration string such as "30m"; empty selects the default.
	Duration string `json:"duration,omitempty"`
}

// ExtendBody is the JSON body of POST /v1/locks/:id/extend.
type ExtendBody struct {
	Duration string `json:"duration"`
}

// ForceReleaseBody is the JSON body of POST /v1/resource/force-release.
type ForceReleaseBody struct {
	ResourceID string `json:"resourceId"`
}

// CleanupResult is returned by POST /v1/cleanup.
type CleanupResult struct {
	Released int64 `json:"released"`
}

// LockHandler serves lock operations.
type LockHandler struct {
	locks      lock.LockOperations
	log        *slog.Logger
	adminToken string
}

// NewLockHandler creates a handler. An empty adminToken disables force-release.
func NewLockHandler(locks lock.LockOperations, log *slog.Logger, adminToken string) *LockHandler {
	return &LockHandler{locks: locks, log: log, adminToken: adminToken}
}

// RegisterRoutes mounts the handler on router.
func (h *LockHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST("/v1/locks", h.Acquire)
	router.GET("/v1/locks", h.ListActive)
	router.DELETE("/v1/locks/:id", h.Release)
	router.POST("/v1/locks/:id/extend", h.Extend)
	router.GET("/v1/resource", h.Check)
	router.GET("/v1/resource/history", h.History)
	router.POST("/v1/resource/force-release", h.ForceRelease)
	router.GET("/v1/expiring", h.Expiring)
	router.POST("/v1/cleanup", h.Cleanup)
}

func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body AcquireBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, "Acquire", err)
		return
	}

	d, err := parseDuration("duration", body.Duration)
	if err != nil {
		h.writeError(w, "Acquire", err)
		return
	}

	l, err := h.locks.Acquire(r.Context(), lock.AcquireRequest{
		ResourceID: body.ResourceID,
		OwnerID:    body.OwnerID,
		ProjectID:  body.ProjectID,
		FilePath:   body.FilePath,
		Duration:   d,
	})
	if err != nil {
		h.writeError(w, "Acquire", err)
		return
	}

	if err := WriteSuccess(w, l); err != nil {
		h.log.Error("failed to write success response", "handler", "Acquire", "error", err)
	}
}

func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	l, err := h.locks.Release(r.Context(), ps.ByName("id"))
	if err != nil {
		h.writeError(w, "Release", err)
		return
	}
	if err := WriteSuccess(w, l); err != nil {
		h.log.Error("failed to write success response", "handler", "Release", "error", err)
	}
}

func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body ExtendBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, "Extend", err)
		return
	}

	d, err := parseDuration("duration", body.Duration)
	if err != nil {
		h.writeError(w, "Extend", err)
		return
	}

	l, err := h.locks.Extend(r.Context(), ps.ByName("id"), d)
	if err != nil {
		h.writeError(w, "Extend", err)
		return
	}
	if err := WriteSuccess(w, l); err != nil {
		h.log.Error("failed to write success response", "handler", "Extend", "error", err)
	}
}

// Check replies with the active lock, or null data when the resource is free.
func (h *LockHandler) Check(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	l, err := h.locks.Check(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, "Check", err)
		return
	}
	if err := WriteSuccess(w, l); err != nil {
		h.log.Error("failed to write success response", "handler", "Check", "error", err)
	}
}

func (h *LockHandler) History(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()

	limit := 0
	if s := query.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			h.writeError(w, "History", fmt.Errorf("%w: invalid limit parameter: %s", apperrors.ErrInvalidInput, s))
			return
		}
		limit = v
	}

	locks, err := h.locks.History(r.Context(), query.Get("id"), limit)
	if err != nil {
		h.writeError(w, "History", err)
		return
	}
	if err := WriteSuccess(w, locks); err != nil {
		h.log.Error("failed to write success response", "handler", "History", "error", err)
	}
}

func (h *LockHandler) ListActive(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	locks, err := h.locks.ListActive(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		h.writeError(w, "ListActive", err)
		return
	}
	if err := WriteSuccess(w, locks); err != nil {
		h.log.Error("failed to write success response", "handler", "ListActive", "error", err)
	}
}

func (h *LockHandler) Expiring(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	within := r.URL.Query().Get("within")
	if within == "" {
		within = "5m"
	}
	d, err := parseDuration("within", within)
	if err != nil {
		h.writeError(w, "Expiring", err)
		return
	}

	locks, err := h.locks.ApproachingExpiry(r.Context(), d)
	if err != nil {
		h.writeError(w, "Expiring", err)
		return
	}
	if err := WriteSuccess(w, locks); err != nil {
		h.log.Error("failed to write success response", "handler", "Expiring", "error", err)
	}
}

func (h *LockHandler) Cleanup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := h.locks.CleanupExpiredLocks(r.Context())
	if err != nil {
		h.writeError(w, "Cleanup", err)
		return
	}
	if err := WriteSuccess(w, CleanupResult{Released: n}); err != nil {
		h.log.Error("failed to write success response", "handler", "Cleanup", "error", err)
	}
}

// ForceRelease requires "Authorization: Bearer <admin token>".
func (h *LockHandler) ForceRelease(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.adminToken == "" {
		h.writeJSON(w, "ForceRelease", http.StatusForbidden, ErrorResponse{Error: "force-release is disabled"})
		return
	}
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="scriptlock"`)
		h.writeJSON(w, "ForceRelease", http.StatusUnauthorized, ErrorResponse{Error: "admin token required"})
		return
	}

	var body ForceReleaseBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, "ForceRelease", err)
		return
	}

	l, err := h.locks.ForceRelease(r.Context(), body.ResourceID)
	if err != nil {
		h.writeError(w, "ForceRelease", err)
		return
	}

	h.log.Warn("force-release via api", "resource", body.ResourceID, "remote_addr", r.RemoteAddr)
	if err := WriteSuccess(w, l); err != nil {
		h.log.Error("failed to write success response", "handler", "ForceRelease", "error", err)
	}
}

func (h *LockHandler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func (h *LockHandler) writeError(w http.ResponseWriter, handler string, err error) {
	if StatusFor(err) == http.StatusInternalServerError {
		h.log.Error("lock operation failed", "handler", handler, "error", err)
	}
	if writeErr := WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handler, "error", writeErr)
	}
}

func (h *LockHandler) writeJSON(w http.ResponseWriter, handler string, status int, body any) {
	if err := WriteJSON(w, status, body); err != nil {
		h.log.Error("failed to write JSON response", "handler", handler, "error", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", apperrors.ErrInvalidInput, err)
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration such as 30m: %q", apperrors.ErrInvalidInput, field, s)
	}
	return d, nil
}
