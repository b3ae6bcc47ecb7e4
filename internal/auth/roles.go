package auth

// Role represents a caller role.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleInstaller Role = "installer"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"

	// RoleDevice marks callers authenticated by ingest signature. It never
	// satisfies an operator role requirement.
	RoleDevice Role = "device"
)

// NormalizeRole validates and normalizes an operator role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleViewer, RoleInstaller, RoleOperator, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) > 0 && roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleInstaller:
		return 2
	case RoleOperator:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}
