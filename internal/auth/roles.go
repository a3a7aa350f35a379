// Package auth implements the shared identity plane: the HMAC token
// authority, session management with fingerprint binding, role-based
// authorization, and per-identity rate limiting.
package auth

import "time"

// ============================================================================
// ROLES & PERMISSIONS — single source of truth
// ============================================================================

// Role orders agent privilege from least to most trusted.
type Role string

const (
	RoleGuest       Role = "guest"
	RoleAgent       Role = "agent"
	RoleExpertAgent Role = "expert_agent"
	RoleSystemAgent Role = "system_agent"
	RoleAdmin       Role = "admin"
)

var roleRank = map[Role]int{
	RoleGuest:       0,
	RoleAgent:       1,
	RoleExpertAgent: 2,
	RoleSystemAgent: 3,
	RoleAdmin:       4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r carries at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Permission is the closed permission set.
type Permission string

const (
	PermEventsRead     Permission = "events:read"
	PermEventsWrite    Permission = "events:write"
	PermEventsQuery    Permission = "events:query"
	PermAdminAccess    Permission = "admin:access"
	PermHealthCheck    Permission = "health:check"
	PermExpertCoord    Permission = "expert:coordination"
	PermShadowRead     Permission = "shadow:read"
	PermShadowWrite    Permission = "shadow:write"
	PermShadowAnnotate Permission = "shadow:annotate"
	PermCommandValid   Permission = "command:validate"
	PermCommandExec    Permission = "command:execute"
	PermSystemAdmin    Permission = "system:admin"
	PermSystemConfig   Permission = "system:config"
	PermBridgeAccess   Permission = "bridge:access"
	PermContextShare   Permission = "context:share"
	PermSessionManage  Permission = "session:manage"
	PermAuditAccess    Permission = "audit:access"
	PermSecurityReview Permission = "security:review"
)

// rolePermissions maps each role to its fixed permission set.
var rolePermissions = map[Role]map[Permission]bool{
	RoleGuest: permSet(
		PermHealthCheck,
	),
	RoleAgent: permSet(
		PermHealthCheck, PermBridgeAccess,
		PermEventsRead, PermEventsWrite, PermEventsQuery,
		PermShadowRead, PermShadowWrite, PermShadowAnnotate,
		PermCommandValid, PermCommandExec,
		PermContextShare, PermExpertCoord,
	),
	RoleExpertAgent: permSet(
		PermHealthCheck, PermBridgeAccess,
		PermEventsRead, PermEventsWrite, PermEventsQuery,
		PermShadowRead, PermShadowWrite, PermShadowAnnotate,
		PermCommandValid, PermCommandExec,
		PermContextShare, PermExpertCoord, PermSecurityReview,
	),
	RoleSystemAgent: permSet(
		PermHealthCheck, PermBridgeAccess,
		PermEventsRead, PermEventsWrite, PermEventsQuery,
		PermShadowRead, PermShadowWrite, PermShadowAnnotate,
		PermCommandValid, PermCommandExec,
		PermContextShare, PermExpertCoord, PermSecurityReview,
		PermSessionManage, PermAuditAccess, PermSystemConfig,
	),
	RoleAdmin: permSet(
		PermHealthCheck, PermBridgeAccess,
		PermEventsRead, PermEventsWrite, PermEventsQuery,
		PermShadowRead, PermShadowWrite, PermShadowAnnotate,
		PermCommandValid, PermCommandExec,
		PermContextShare, PermExpertCoord, PermSecurityReview,
		PermSessionManage, PermAuditAccess, PermSystemConfig,
		PermSystemAdmin, PermAdminAccess,
	),
}

func permSet(perms ...Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// HasPermission consults the role → permission mapping.
func (r Role) HasPermission(p Permission) bool {
	return rolePermissions[r][p]
}

// Permissions returns a copy of the role's permission set.
func (r Role) Permissions() []Permission {
	set := rolePermissions[r]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// DefaultRateLimits returns each role's request budget per minute.
func DefaultRateLimits() map[Role]int {
	return map[Role]int{
		RoleGuest:       10,
		RoleAgent:       100,
		RoleExpertAgent: 500,
		RoleSystemAgent: 5000,
		RoleAdmin:       10000,
	}
}

// Identity is a verified (agent, role) pair.
type Identity struct {
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
}

// Session defaults.
const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultSessionMaxAge      = 12 * time.Hour
	DefaultMaxSessionsPer     = 8
)
