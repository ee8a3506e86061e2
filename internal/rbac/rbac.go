package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
)

const (
	ActionRead            Action = "read"
	ActionChat            Action = "chat"
	ActionWrite           Action = "write"
	ActionManageKnowledge Action = "manage_knowledge"
	ActionManageMembers   Action = "manage_members"
	ActionManageBilling   Action = "manage_billing"
	ActionAdmin           Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action != ActionManageBilling
	case RoleManager:
		return action == ActionRead || action == ActionChat || action == ActionWrite || action == ActionManageKnowledge
	case RoleMember:
		return action == ActionRead || action == ActionChat
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleManager, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role is one of the known roles, without normalising.
func Valid(role string) bool {
	return Rank(Role(role)) > 0
}

// Rank orders roles from viewer (1) to owner (5); unknown roles rank 0.
func Rank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleMember:
		return 2
	case RoleManager:
		return 3
	case RoleAdmin:
		return 4
	case RoleOwner:
		return 5
	default:
		return 0
	}
}

// CanAssign reports whether actor may grant (or take away) target on another member.
// Members are never promoted above the actor, and only owners hand out ownership.
func CanAssign(actor, target Role) bool {
	if !Can(actor, ActionManageMembers) || Rank(target) == 0 {
		return false
	}
	if target == RoleOwner {
		return actor == RoleOwner
	}
	return Rank(actor) >= Rank(target)
}
