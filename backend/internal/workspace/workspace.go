package workspace

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	// 公开工作区中已登录但不在成员列表里的用户
	RoleGuest Role = "guest"
	RoleNone  Role = ""
)

var (
	ErrInvalidPatch  = errors.New("INVALID_PATCH")
	ErrInvalidRecord = errors.New("INVALID_RECORD")
	ErrForbidden     = errors.New("FORBIDDEN")
)

type Member struct {
	Username string    `json:"username" bson:"username" validate:"required,max=128"`
	UserID   string    `json:"userId,omitempty" bson:"userId,omitempty"`
	Role     Role      `json:"role" bson:"role" validate:"oneof=owner editor viewer"`
	JoinedAt time.Time `json:"joinedAt" bson:"joinedAt"`
}

type SharedSchema struct {
	SchemaID     string    `json:"schemaId" bson:"schemaId" validate:"required,max=128"`
	Name         string    `json:"name" bson:"name" validate:"required,max=255"`
	Scripts      string    `json:"scripts" bson:"scripts"`
	LastModified time.Time `json:"lastModified" bson:"lastModified"`
}

// Workspace 结构化工作区记录。Version 只由 OCC 协议推进，每次成功提交 +1。
type Workspace struct {
	ID            string         `json:"id" bson:"_id" validate:"required,max=64"`
	Name          string         `json:"name" bson:"name" validate:"required,max=255"`
	OwnerID       string         `json:"ownerId" bson:"ownerId" validate:"required"`
	Private       bool           `json:"private" bson:"private"`
	Members       []Member       `json:"members" bson:"members" validate:"dive"`
	SharedSchemas []SharedSchema `json:"sharedSchemas" bson:"sharedSchemas" validate:"dive"`
	Version       int64          `json:"version" bson:"version"`
	IsActive      bool           `json:"isActive" bson:"isActive"`
	CreatedAt     time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt" bson:"updatedAt"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Clone 深拷贝，补丁只作用在副本上
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	out := *w
	out.Members = append([]Member(nil), w.Members...)
	out.SharedSchemas = append([]SharedSchema(nil), w.SharedSchemas...)
	out.Normalize()
	return &out
}

// Normalize 保证集合字段序列化为 [] 而不是 null，
// 否则客户端的 "add /members/-" 会在 null 上失败
func (w *Workspace) Normalize() {
	if w.Members == nil {
		w.Members = []Member{}
	}
	if w.SharedSchemas == nil {
		w.SharedSchemas = []SharedSchema{}
	}
}

// Validate 校验记录形状；补丁提交前必须通过
func (w *Workspace) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	seenUsers := make(map[string]struct{}, len(w.Members))
	for _, m := range w.Members {
		if _, dup := seenUsers[m.Username]; dup {
			return fmt.Errorf("%w: duplicate member %q", ErrInvalidRecord, m.Username)
		}
		seenUsers[m.Username] = struct{}{}
	}
	seenSchemas := make(map[string]struct{}, len(w.SharedSchemas))
	for _, s := range w.SharedSchemas {
		if _, dup := seenSchemas[s.SchemaID]; dup {
			return fmt.Errorf("%w: duplicate schema %q", ErrInvalidRecord, s.SchemaID)
		}
		seenSchemas[s.SchemaID] = struct{}{}
	}
	return nil
}
