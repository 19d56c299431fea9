package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
	RoleService    = "service" // hidden role for backend pipelines
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }
