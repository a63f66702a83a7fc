package issue

import "civicportal/api/internal/rbac"

// Viewer is the identity every core call acts on behalf of. A zero Viewer is
// an anonymous visitor.
type Viewer struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Role        rbac.Role
	HasProfile  bool
}

func (v Viewer) Authenticated() bool {
	return v.UserID != ""
}

func (v Viewer) Elevated() bool {
	return v.Authenticated() && rbac.IsElevated(v.Role)
}
