package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/internal/sync"
)

// UserReader is the slice of the sync service the read handlers need.
type UserReader interface {
	GetBatch(ctx context.Context, userIDs []string) (*sync.BatchResult, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// UserView is one user's state as rendered to API clients.
type UserView struct {
	UserID       string                 `json:"user_id"`
	Payload      map[string]interface{} `json:"payload"`
	Source       string                 `json:"source"`
	Reason       string                 `json:"reason"`
	StalenessMs  int64                  `json:"staleness_ms"`
	LastEventSeq uint64                 `json:"last_event_seq"`
	Activity     string                 `json:"activity"`
}

// UserResponse is the response for GET /v1/user/{ids}.
type UserResponse struct {
	Users     []UserView `json:"users"`
	Total     int        `json:"total"`
	NotFound  []string   `json:"not_found"`
	RequestID string     `json:"request_id"`
}

// UserHandler handles GET /v1/user/{ids} where ids is a single user ID or a
// comma-separated list.
type UserHandler struct {
	service UserReader
}

// NewUserHandler creates a user read handler.
func NewUserHandler(service UserReader) *UserHandler {
	return &UserHandler{service: service}
}

// ServeHTTP handles the user read request.
func (h *UserHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	userIDs, err := parseUserIDs(r.URL.Path, "/v1/user/")
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	batch, err := h.service.GetBatch(r.Context(), userIDs)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	resp := UserResponse{
		Users:     make([]UserView, 0, len(batch.Results)),
		NotFound:  batch.NotFound,
		RequestID: requestID,
	}
	for _, res := range batch.Results {
		resp.Users = append(resp.Users, UserView{
			UserID:       res.UserID,
			Payload:      res.Payload,
			Source:       string(res.Plan.Source),
			Reason:       res.Plan.Reason,
			StalenessMs:  res.Plan.StalenessMs,
			LastEventSeq: res.LastEventSeq,
			Activity:     string(res.Activity),
		})
	}
	resp.Total = len(resp.Users)
	if resp.NotFound == nil {
		resp.NotFound = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CheckUserResponse is the response for GET /v1/check-user/{ids}.
type CheckUserResponse struct {
	Users     map[string]bool `json:"users"`
	Found     int             `json:"found"`
	RequestID string          `json:"request_id"`
}

// CheckUserHandler handles GET /v1/check-user/{ids}: an existence check
// that touches the cache first and the analytical store only on misses.
type CheckUserHandler struct {
	service UserReader
}

// NewCheckUserHandler creates an existence check handler.
func NewCheckUserHandler(service UserReader) *CheckUserHandler {
	return &CheckUserHandler{service: service}
}

// ServeHTTP handles the existence check request.
func (h *CheckUserHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	userIDs, err := parseUserIDs(r.URL.Path, "/v1/check-user/")
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	resp := CheckUserResponse{
		Users:     make(map[string]bool, len(userIDs)),
		RequestID: requestID,
	}
	for _, userID := range userIDs {
		exists, err := h.service.Exists(r.Context(), userID)
		if err != nil {
			writeSyncError(w, r, err)
			return
		}
		resp.Users[userID] = exists
		if exists {
			resp.Found++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseUserIDs extracts the comma-separated ID list from the path.
func parseUserIDs(path, prefix string) ([]string, error) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == path || raw == "" {
		return nil, errors.NewValidationError(errors.CodeInvalidRequest, "missing user id")
	}

	parts := strings.Split(raw, ",")
	userIDs := make([]string, 0, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id != "" {
			userIDs = append(userIDs, id)
		}
	}
	if len(userIDs) == 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidRequest, "missing user id")
	}
	return userIDs, nil
}
