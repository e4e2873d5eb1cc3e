package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
)

// RoleHandler manages role assignments.
type RoleHandler struct {
	roles  *rbac.RoleManager
	save   func([]rbac.UserRoles) error
	logger *slog.Logger
}

// NewRoleHandler creates a new RoleHandler. save may be nil.
func NewRoleHandler(roles *rbac.RoleManager, save func([]rbac.UserRoles) error, logger *slog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, save: save, logger: logger}
}

type assignRequest struct {
	ProgramID   string            `json:"programId,omitempty"`
	Roles       []rbac.Role       `json:"roles"`
	Permissions []rbac.Permission `json:"permissions,omitempty"`
	ExpiryDate  *time.Time        `json:"expiryDate,omitempty"`
}

// List handles GET /api/roles.
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteList(w, h.roles.Assignments())
}

// Get handles GET /api/roles/{userId}?programId=P: the assignments active
// for the user in that scope.
func (h *RoleHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteList(w, h.roles.GetUserRoles(r.PathValue("userId"), r.URL.Query().Get("programId")))
}

// Assign handles PUT /api/roles/{userId}, replacing the user's assignment
// for the program scope named in the body (or the programId query).
func (h *RoleHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProgramID == "" {
		req.ProgramID = r.URL.Query().Get("programId")
	}
	assigner, _ := rbac.UserIDFromContext(r.Context())

	ur := rbac.UserRoles{
		UserID:      r.PathValue("userId"),
		ProgramID:   req.ProgramID,
		Roles:       req.Roles,
		Permissions: req.Permissions,
		AssignedBy:  assigner,
		ExpiryDate:  req.ExpiryDate,
	}
	if err := h.roles.AssignRoles(ur); err != nil {
		if errors.Is(err, rbac.ErrInvalidAssignment) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.persist()
	WriteJSON(w, http.StatusOK, h.roles.GetUserRoles(ur.UserID, ur.ProgramID))
}

// Revoke handles DELETE /api/roles/{userId}?programId=P. Without programId
// every assignment of the user is removed.
func (h *RoleHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.roles.RevokeRoles(r.PathValue("userId"), r.URL.Query().Get("programId"))
	h.persist()
	w.WriteHeader(http.StatusNoContent)
}

// persist writes the assignments back. Failures are logged; the in-memory
// change stands.
func (h *RoleHandler) persist() {
	if h.save == nil {
		return
	}
	if err := h.save(h.roles.Assignments()); err != nil {
		h.logger.Error("Failed to persist role assignments", "error", err)
	}
}
