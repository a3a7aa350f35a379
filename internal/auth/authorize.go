package auth

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
)

// ============================================================================
// AUTHORIZATION
// ============================================================================

// AuthorizerConfig tunes resource-scoped policy.
type AuthorizerConfig struct {
	// SensitiveRoots are path prefixes that require system:admin regardless
	// of the permission being checked.
	SensitiveRoots []string
	// AdminCommandKinds are command kinds that require system:admin.
	AdminCommandKinds []string
}

func defaultSensitiveRoots() []string {
	return []string{"/etc", "/boot", "/sys", "/proc", "/usr/bin", "/usr/sbin", "/var/lib"}
}

func defaultAdminCommandKinds() []string {
	return []string{"system_admin", "system_config"}
}

// Authorizer decides (identity, permission, resource) questions and records
// every deny in the event log so the audit trail is self-sufficient.
type Authorizer struct {
	store          *eventlog.Store
	limiter        *RateLimiter
	sensitiveRoots []string
	adminKinds     map[string]bool
}

// NewAuthorizer wires the policy tables and the audit sink.
func NewAuthorizer(store *eventlog.Store, limiter *RateLimiter, cfg AuthorizerConfig) *Authorizer {
	roots := cfg.SensitiveRoots
	if len(roots) == 0 {
		roots = defaultSensitiveRoots()
	}
	kinds := cfg.AdminCommandKinds
	if len(kinds) == 0 {
		kinds = defaultAdminCommandKinds()
	}
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	return &Authorizer{
		store:          store,
		limiter:        limiter,
		sensitiveRoots: roots,
		adminKinds:     kindSet,
	}
}

// Authorize denies unless the identity's role carries the permission, and
// applies resource predicates: sensitive paths and admin-tagged command
// kinds require system:admin on top of the base permission.
func (az *Authorizer) Authorize(id Identity, perm Permission, resource string) error {
	if !id.Role.HasPermission(perm) {
		return az.deny(id, perm, resource, "role lacks permission")
	}
	if resource != "" {
		if az.isSensitivePath(resource) && !id.Role.HasPermission(PermSystemAdmin) {
			return az.deny(id, perm, resource, "sensitive path requires system:admin")
		}
		if az.adminKinds[resource] && !id.Role.HasPermission(PermSystemAdmin) {
			return az.deny(id, perm, resource, "command kind requires system:admin")
		}
	}
	return nil
}

// AllowRate spends a rate token and records the limit event on refusal.
func (az *Authorizer) AllowRate(id Identity, opClass string) error {
	err := az.limiter.Allow(id, opClass)
	if err == nil {
		return nil
	}
	az.audit(id, "rate_limited", map[string]interface{}{
		"op_class":    opClass,
		"retry_after": core.RetryAfterSeconds(err),
	})
	return err
}

func (az *Authorizer) isSensitivePath(resource string) bool {
	if !strings.HasPrefix(resource, "/") {
		return false
	}
	clean := filepath.Clean(resource)
	for _, root := range az.sensitiveRoots {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return true
		}
	}
	return false
}

func (az *Authorizer) deny(id Identity, perm Permission, resource, reason string) error {
	az.audit(id, "authz_denied", map[string]interface{}{
		"permission": string(perm),
		"resource":   resource,
		"reason":     reason,
	})
	return core.Authzf("%s denied for role %s: %s", perm, id.Role, reason)
}

// audit appends a decision record. Audit failures are logged, never
// propagated: a full log must not turn a deny into an error the caller can
// distinguish from policy.
func (az *Authorizer) audit(id Identity, kind string, detail map[string]interface{}) {
	if az.store == nil {
		return
	}
	payload := map[string]interface{}{"audit": kind, "role": string(id.Role)}
	for k, v := range detail {
		payload[k] = v
	}
	_, err := az.store.Append(&eventlog.Event{
		Type:        eventlog.TypeCustom,
		AggregateID: "authz:" + id.AgentID,
		ActorID:     id.AgentID,
		Payload:     payload,
	})
	if err != nil {
		slog.Warn("authz audit append failed", "agent_id", id.AgentID, "error", err)
	}
}
