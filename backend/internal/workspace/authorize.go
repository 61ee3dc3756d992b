package workspace

import "syncServer/backend/internal/auth"

// Decision 一次授权判定的结果
type Decision struct {
	Allowed bool
	Role    Role
}

// CanEdit viewer 只读；guest 只出现在公开工作区，可编辑
func (d Decision) CanEdit() bool {
	if !d.Allowed {
		return false
	}
	switch d.Role {
	case RoleOwner, RoleEditor, RoleGuest:
		return true
	}
	return false
}

// Authorize 每次特权操作都重新调用，不缓存结果。
// 私有工作区只允许 owner 和成员；公开工作区任何已认证用户可进入，未认证连接只读。
func Authorize(id *auth.Identity, ws *Workspace) Decision {
	if ws == nil {
		return Decision{}
	}
	if id == nil {
		if ws.Private {
			return Decision{}
		}
		return Decision{Allowed: true, Role: RoleViewer}
	}
	if matches(id, ws.OwnerID) {
		return Decision{Allowed: true, Role: RoleOwner}
	}
	for _, m := range ws.Members {
		if (id.UserID != "" && m.UserID == id.UserID) || (id.Username != "" && m.Username == id.Username) {
			return Decision{Allowed: true, Role: m.Role}
		}
	}
	if !ws.Private {
		return Decision{Allowed: true, Role: RoleGuest}
	}
	return Decision{}
}

func matches(id *auth.Identity, owner string) bool {
	if owner == "" {
		return false
	}
	return owner == id.UserID || owner == id.Username
}
