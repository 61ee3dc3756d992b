package store

import (
	"context"
	"errors"
	"time"

	"syncServer/backend/internal/workspace"
)

var (
	ErrNotFound        = errors.New("NOT_FOUND")
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	ErrAlreadyExists   = errors.New("ALREADY_EXISTS")
)

// CRDTDocument 工作区的 CRDT 状态，每个工作区一份
type CRDTDocument struct {
	WorkspaceID  string
	DocState     []byte
	Version      int64
	LastModified time.Time
}

type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error)
	CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error
	// ReplaceWorkspace 条件替换：只有存储中的版本等于 expectedVersion 时才写入，
	// 否则返回 ErrVersionConflict（记录不存在时返回 ErrNotFound）
	ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expectedVersion int64) error
	DeleteWorkspace(ctx context.Context, id string) error
}

type CRDTStore interface {
	LoadCRDT(ctx context.Context, workspaceID string) (*CRDTDocument, error)
	// SaveCRDT 覆盖写入（upsert），版本号 +1
	SaveCRDT(ctx context.Context, workspaceID string, state []byte) (*CRDTDocument, error)
}

type Store interface {
	WorkspaceStore
	CRDTStore
	Close(ctx context.Context) error
}

type ChangeKind string

const (
	ChangeFull    ChangeKind = "full"
	ChangeDeleted ChangeKind = "deleted"
	// ChangeReady 订阅已建立，之后的变更都会送达；不携带工作区
	ChangeReady ChangeKind = "ready"
)

// ChangeEvent 存储层发生的一次变更。Document 为空时由消费方回源读取。
type ChangeEvent struct {
	WorkspaceID string
	Kind        ChangeKind
	Document    *workspace.Workspace
}

// ChangeSource 变更流。Watch 阻塞直到 ctx 结束或流出错，出错时由调用方重新订阅。
// 实现需要在订阅建立后先发一个 ChangeReady。
type ChangeSource interface {
	Watch(ctx context.Context, fn func(ChangeEvent)) error
}
