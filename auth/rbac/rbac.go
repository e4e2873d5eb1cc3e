package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Role is a closed set of roles a user can hold.
type Role string

const (
	RoleSystem            Role = "system"
	RoleAdmin             Role = "admin"
	RoleProgramManager    Role = "program_manager"
	RoleProjectManager    Role = "project_manager"
	RoleContractManager   Role = "contract_manager"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleFinancialAnalyst  Role = "financial_analyst"
	RoleReviewer          Role = "reviewer"
	RoleContributor       Role = "contributor"
	RoleViewer            Role = "viewer"
)

// Permission is a closed set of actions a role or explicit grant may allow.
type Permission string

const (
	PermViewPrograms       Permission = "view_programs"
	PermEditPrograms       Permission = "edit_programs"
	PermManagePrograms     Permission = "manage_programs"
	PermViewDeliverables   Permission = "view_deliverables"
	PermSubmitDeliverables Permission = "submit_deliverables"
	PermReviewDeliverables Permission = "review_deliverables"
	PermApproveDeliverable Permission = "approve_deliverables"
	PermViewContracts      Permission = "view_contracts"
	PermManageContracts    Permission = "manage_contracts"
	PermViewCompliance     Permission = "view_compliance"
	PermManageCompliance   Permission = "manage_compliance"
	PermViewFinancials     Permission = "view_financials"
	PermManageFinancials   Permission = "manage_financials"
	PermExecuteWorkflows   Permission = "execute_workflows"
	PermManageWorkflows    Permission = "manage_workflows"
	PermApproveWorkflows   Permission = "approve_workflows"
	PermManageUsers        Permission = "manage_users"
	PermSystemAdmin        Permission = "system_admin"
)

// AllPermissions lists every known permission.
func AllPermissions() []Permission {
	return []Permission{
		PermViewPrograms, PermEditPrograms, PermManagePrograms,
		PermViewDeliverables, PermSubmitDeliverables, PermReviewDeliverables, PermApproveDeliverable,
		PermViewContracts, PermManageContracts,
		PermViewCompliance, PermManageCompliance,
		PermViewFinancials, PermManageFinancials,
		PermExecuteWorkflows, PermManageWorkflows, PermApproveWorkflows,
		PermManageUsers, PermSystemAdmin,
	}
}

// rolePermissions is the static role -> permission table. System and admin
// are not listed: they imply every permission.
var rolePermissions = map[Role][]Permission{
	RoleProgramManager: {
		PermViewPrograms, PermEditPrograms, PermManagePrograms,
		PermViewDeliverables, PermReviewDeliverables, PermApproveDeliverable,
		PermViewContracts, PermViewCompliance, PermViewFinancials,
		PermExecuteWorkflows, PermManageWorkflows, PermApproveWorkflows,
	},
	RoleProjectManager: {
		PermViewPrograms, PermEditPrograms,
		PermViewDeliverables, PermSubmitDeliverables, PermReviewDeliverables,
		PermViewContracts, PermViewFinancials,
		PermExecuteWorkflows,
	},
	RoleContractManager: {
		PermViewPrograms, PermViewContracts, PermManageContracts,
		PermViewFinancials, PermExecuteWorkflows,
	},
	RoleComplianceOfficer: {
		PermViewPrograms, PermViewDeliverables, PermViewContracts,
		PermViewCompliance, PermManageCompliance,
		PermExecuteWorkflows, PermApproveWorkflows,
	},
	RoleFinancialAnalyst: {
		PermViewPrograms, PermViewContracts,
		PermViewFinancials, PermManageFinancials,
		PermExecuteWorkflows,
	},
	RoleReviewer: {
		PermViewPrograms, PermViewDeliverables, PermReviewDeliverables,
		PermExecuteWorkflows,
	},
	RoleContributor: {
		PermViewPrograms, PermViewDeliverables, PermSubmitDeliverables,
		PermExecuteWorkflows,
	},
	RoleViewer: {
		PermViewPrograms, PermViewDeliverables, PermViewContracts,
	},
}

// IsSuperuser reports whether the role implies every role and permission.
func (r Role) IsSuperuser() bool {
	return r == RoleSystem || r == RoleAdmin
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	if r.IsSuperuser() {
		return true
	}
	_, ok := rolePermissions[r]
	return ok
}

// Permissions returns the permissions implied by the role.
func (r Role) Permissions() []Permission {
	if r.IsSuperuser() {
		return AllPermissions()
	}
	return slices.Clone(rolePermissions[r])
}

// UserRoles is a (possibly time-bounded) assignment of roles and explicit
// permissions to a user. An empty ProgramID makes the assignment global.
type UserRoles struct {
	UserID      string       `json:"userId" yaml:"userId"`
	ProgramID   string       `json:"programId,omitempty" yaml:"programId,omitempty"`
	Roles       []Role       `json:"roles" yaml:"roles"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	AssignedBy  string       `json:"assignedBy,omitempty" yaml:"assignedBy,omitempty"`
	AssignedAt  time.Time    `json:"assignedAt" yaml:"assignedAt,omitempty"`
	ExpiryDate  *time.Time   `json:"expiryDate,omitempty" yaml:"expiryDate,omitempty"`
}

// Expired reports whether the assignment's expiry date has passed.
func (ur UserRoles) Expired(now time.Time) bool {
	return ur.ExpiryDate != nil && ur.ExpiryDate.Before(now)
}

// RoleRequirement is one entry of a workflow's authorization gate. Either
// Role, Permission or both may be set; both must hold when both are set.
// Requirements with Required=false are advisory.
type RoleRequirement struct {
	Role       Role       `json:"role,omitempty" yaml:"role,omitempty"`
	Permission Permission `json:"permission,omitempty" yaml:"permission,omitempty"`
	Required   bool       `json:"required" yaml:"required"`
}

// ErrInvalidAssignment is returned when an assignment cannot be stored.
var ErrInvalidAssignment = errors.New("rbac: invalid role assignment")

// RoleManager is an in-memory authorization store. It performs no I/O.
type RoleManager struct {
	mu          sync.RWMutex
	assignments map[string]map[string]UserRoles // userID -> programID -> assignment
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a RoleManager.
type Option func(*RoleManager)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(rm *RoleManager) { rm.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rm *RoleManager) { rm.logger = l }
}

// NewRoleManager creates an empty RoleManager.
func NewRoleManager(opts ...Option) *RoleManager {
	rm := &RoleManager{
		assignments: make(map[string]map[string]UserRoles),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// Load populates the manager from persisted assignments.
func (rm *RoleManager) Load(assignments []UserRoles) error {
	for _, ur := range assignments {
		if err := rm.AssignRoles(ur); err != nil {
			return err
		}
	}
	return nil
}

// AssignRoles stores an assignment, replacing any previous assignment for the
// same user and program scope.
func (rm *RoleManager) AssignRoles(ur UserRoles) error {
	if ur.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidAssignment)
	}
	for _, r := range ur.Roles {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidAssignment, r)
		}
	}
	if ur.AssignedAt.IsZero() {
		ur.AssignedAt = rm.now()
	}
	ur.Roles = slices.Clone(ur.Roles)
	ur.Permissions = slices.Clone(ur.Permissions)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	byProgram, ok := rm.assignments[ur.UserID]
	if !ok {
		byProgram = make(map[string]UserRoles)
		rm.assignments[ur.UserID] = byProgram
	}
	byProgram[ur.ProgramID] = ur
	return nil
}

// RevokeRoles removes the user's assignment for programID. An empty programID
// removes every assignment the user holds.
func (rm *RoleManager) RevokeRoles(userID, programID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if programID == "" {
		delete(rm.assignments, userID)
		return
	}
	if byProgram, ok := rm.assignments[userID]; ok {
		delete(byProgram, programID)
		if len(byProgram) == 0 {
			delete(rm.assignments, userID)
		}
	}
}

// Assignments returns every stored assignment, expired ones included, ordered
// by user then program.
func (rm *RoleManager) Assignments() []UserRoles {
	rm.mu.RLock()
	var out []UserRoles
	for _, byProgram := range rm.assignments {
		for _, ur := range byProgram {
			ur.Roles = slices.Clone(ur.Roles)
			ur.Permissions = slices.Clone(ur.Permissions)
			out = append(out, ur)
		}
	}
	rm.mu.RUnlock()
	slices.SortFunc(out, func(a, b UserRoles) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.ProgramID, b.ProgramID)
	})
	return out
}

// GetUserRoles returns the unexpired assignments that apply to the user in the
// given program scope: the global assignment plus the program one.
func (rm *RoleManager) GetUserRoles(userID, programID string) []UserRoles {
	now := rm.now()
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	byProgram := rm.assignments[userID]
	var out []UserRoles
	if ur, ok := byProgram[""]; ok && !ur.Expired(now) {
		out = append(out, ur)
	}
	if programID != "" {
		if ur, ok := byProgram[programID]; ok && !ur.Expired(now) {
			out = append(out, ur)
		}
	}
	return out
}

// Roles returns the distinct active roles of the user in the program scope.
func (rm *RoleManager) Roles(userID, programID string) []Role {
	var roles []Role
	for _, ur := range rm.GetUserRoles(userID, programID) {
		for _, r := range ur.Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}

// HasRole reports whether the user holds role. System and admin holders
// satisfy any role.
func (rm *RoleManager) HasRole(userID string, role Role, programID string) bool {
	for _, r := range rm.Roles(userID, programID) {
		if r == role || r.IsSuperuser() {
			return true
		}
	}
	return false
}

// Permissions returns the union of explicit grants and role-implied
// permissions for the user in the program scope.
func (rm *RoleManager) Permissions(userID, programID string) []Permission {
	var perms []Permission
	add := func(p Permission) {
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	for _, ur := range rm.GetUserRoles(userID, programID) {
		for _, p := range ur.Permissions {
			add(p)
		}
		for _, r := range ur.Roles {
			for _, p := range r.Permissions() {
				add(p)
			}
		}
	}
	return perms
}

// HasPermission reports whether the user holds perm in the program scope.
func (rm *RoleManager) HasPermission(userID string, perm Permission, programID string) bool {
	return slices.Contains(rm.Permissions(userID, programID), perm)
}

// MeetsRequirements evaluates a workflow's authorization gate. It returns
// false at the first unmet required requirement.
func (rm *RoleManager) MeetsRequirements(userID string, reqs []RoleRequirement, programID string) bool {
	for _, req := range reqs {
		ok := true
		if req.Role != "" && !rm.HasRole(userID, req.Role, programID) {
			ok = false
		}
		if ok && req.Permission != "" && !rm.HasPermission(userID, req.Permission, programID) {
			ok = false
		}
		if ok {
			continue
		}
		if req.Required {
			return false
		}
		rm.logger.Debug("Advisory role requirement not met",
			"user", userID, "role", req.Role, "permission", req.Permission, "program", programID)
	}
	return true
}

// RemoveExpired drops every assignment whose expiry date is before now and
// returns how many were removed.
func (rm *RoleManager) RemoveExpired() int {
	now := rm.now()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	removed := 0
	for userID, byProgram := range rm.assignments {
		for programID, ur := range byProgram {
			if ur.Expired(now) {
				delete(byProgram, programID)
				removed++
			}
		}
		if len(byProgram) == 0 {
			delete(rm.assignments, userID)
		}
	}
	return removed
}

// Clear removes every assignment.
func (rm *RoleManager) Clear() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.assignments = make(map[string]map[string]UserRoles)
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	userIDKey contextKey = iota
	programIDKey
)

// ContextWithUserID stores a user ID in the context.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

// ContextWithProgramID stores a program scope in the context.
func ContextWithProgramID(ctx context.Context, programID string) context.Context {
	return context.WithValue(ctx, programIDKey, programID)
}

// ProgramIDFromContext extracts the program scope from the context.
func ProgramIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(programIDKey).(string)
	return v
}

// UserExtractor obtains the acting user from a request.
type UserExtractor func(r *http.Request) (string, error)

// HeaderUserExtractor returns a UserExtractor that reads the user from an HTTP header.
func HeaderUserExtractor(header string) UserExtractor {
	return func(r *http.Request) (string, error) {
		user := r.Header.Get(header)
		if user == "" {
			return "", errors.New("missing user header: " + header)
		}
		return user, nil
	}
}

// Middleware returns HTTP middleware that requires perm. The program scope is
// read from the "programId" query parameter when present.
func Middleware(rm *RoleManager, perm Permission, extract UserExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extract(r)
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			programID := r.URL.Query().Get("programId")
			if !rm.HasPermission(userID, perm, programID) {
				http.Error(w, "forbidden: insufficient permissions", http.StatusForbidden)
				return
			}
			ctx := ContextWithUserID(r.Context(), userID)
			if programID != "" {
				ctx = ContextWithProgramID(ctx, programID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
