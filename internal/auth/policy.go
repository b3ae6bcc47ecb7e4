package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// DeviceAccess reports whether edge devices may call the route with an
// ingest signature, and whether only devices may.
func (p Policy) DeviceAccess(r *http.Request) (allowed bool, only bool) {
	if r == nil {
		return false, false
	}
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && (path == "/api/v1/devices/register" || path == "/api/v1/telemetry"):
		return true, true
	case r.Method == http.MethodPost && devicePathAction(path) == "sync-failures":
		return true, true
	case r.Method == http.MethodGet && devicePathAction(path) == "config":
		return true, false
	}
	return false, false
}

// RequiredRole resolves required operator role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case strings.HasPrefix(path, "/api/v1/devices/"):
		switch devicePathAction(path) {
		case "deactivate", "audit":
			return RoleAdmin, true
		case "installation-checks":
			if method == http.MethodPost {
				return RoleInstaller, true
			}
			return RoleViewer, true
		}
	case path == "/api/v1/alerts", path == "/api/v1/alerts/stream":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/alerts/") && method == http.MethodPost:
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/fleet/"):
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/forecasts/"):
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/scheduler/"):
		return RoleAdmin, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}

// devicePathAction returns the segment after /api/v1/devices/{id}/.
func devicePathAction(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/devices/")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return ""
	}
	return parts[1]
}
