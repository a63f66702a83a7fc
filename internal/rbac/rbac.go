package rbac

type Role string
type Action string

const (
	RoleCitizen  Role = "citizen"
	RoleOfficial Role = "official"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionParticipate Action = "participate"
	ActionModerate    Action = "moderate"
	ActionDesignate   Action = "designate"
	ActionExport      Action = "export"
	ActionAdmin       Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOfficial:
		return action == ActionRead || action == ActionParticipate || action == ActionModerate || action == ActionDesignate || action == ActionExport
	case RoleCitizen:
		return action == ActionRead || action == ActionParticipate
	default:
		return action == ActionRead
	}
}

// IsElevated reports whether role acts on behalf of a department.
func IsElevated(role Role) bool {
	return role == RoleOfficial || role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleOfficial, RoleAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}
