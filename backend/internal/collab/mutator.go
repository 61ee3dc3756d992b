package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/workspace"
)

// ConflictError 提交基于过期版本；Current 是存储中的权威记录，只回给提交方
type ConflictError struct {
	WorkspaceID   string
	ClientVersion int64
	Current       *workspace.Workspace
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workspace %s: client version %d, current %d", e.WorkspaceID, e.ClientVersion, e.Current.Version)
}

func (e *ConflictError) Unwrap() error { return store.ErrVersionConflict }

type Submission struct {
	WorkspaceID   string
	Patches       workspace.Patch
	ClientVersion int64
	TempID        string
	Identity      *auth.Identity
	SessionID     string
}

type Commit struct {
	Workspace *workspace.Workspace
	Version   int64
	// Patches 实际提交的补丁：客户端补丁加上服务端写入的 updatedAt。
	// 对 Version-1 的记录应用它得到的正是 Workspace。
	Patches workspace.Patch
}

type EventSink interface {
	Enqueue(ctx context.Context, evt PatchAppliedEvent) error
}

// Mutator 结构化记录的乐观并发写入。全序只由存储层的条件替换保证，这里不加锁。
type Mutator struct {
	store  store.WorkspaceStore
	events EventSink
	now    func() time.Time
}

func NewMutator(s store.WorkspaceStore, events EventSink) *Mutator {
	return &Mutator{store: s, events: events, now: time.Now}
}

// Submit 依次做：读取、鉴权、版本检查、补丁校验与应用、条件替换。
// 失败时记录不会有任何部分写入，服务端也不会自动重试。
func (m *Mutator) Submit(ctx context.Context, sub Submission) (*Commit, error) {
	if err := sub.Patches.Validate(); err != nil {
		return nil, err
	}
	cur, err := m.store.GetWorkspace(ctx, sub.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if d := workspace.Authorize(sub.Identity, cur); !d.CanEdit() {
		return nil, fmt.Errorf("workspace %s role %q: %w", sub.WorkspaceID, d.Role, workspace.ErrForbidden)
	}
	if cur.Version != sub.ClientVersion {
		return nil, &ConflictError{WorkspaceID: sub.WorkspaceID, ClientVersion: sub.ClientVersion, Current: cur}
	}

	committed, err := m.withUpdatedAt(sub.Patches)
	if err != nil {
		return nil, err
	}
	next, err := workspace.Apply(cur, committed)
	if err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1

	err = m.store.ReplaceWorkspace(ctx, next, sub.ClientVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		// 读到版本之后有人先提交了；回源拿权威记录
		latest, lerr := m.store.GetWorkspace(ctx, sub.WorkspaceID)
		if lerr != nil {
			return nil, lerr
		}
		return nil, &ConflictError{WorkspaceID: sub.WorkspaceID, ClientVersion: sub.ClientVersion, Current: latest}
	}
	if err != nil {
		return nil, fmt.Errorf("persist workspace %s: %w", sub.WorkspaceID, err)
	}

	m.publish(sub, committed, next)
	return &Commit{Workspace: next, Version: next.Version, Patches: committed}, nil
}

// withUpdatedAt 服务端时间戳也走补丁，订阅方按补丁重放能得到和存储一致的记录。
// 截到毫秒，和 Mongo/MySQL 的存储精度一致。
func (m *Mutator) withUpdatedAt(p workspace.Patch) (workspace.Patch, error) {
	ts, err := json.Marshal(m.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	out := make(workspace.Patch, 0, len(p)+1)
	out = append(out, p...)
	return append(out, workspace.Operation{Op: workspace.OpReplace, Path: "/updatedAt", Value: ts}), nil
}

func (m *Mutator) publish(sub Submission, committed workspace.Patch, next *workspace.Workspace) {
	if m.events == nil {
		return
	}
	evt := PatchAppliedEvent{
		EventType:     EventPatchApplied,
		EventID:       uuid.NewString(),
		WorkspaceID:   sub.WorkspaceID,
		Version:       next.Version,
		ClientVersion: sub.ClientVersion,
		SessionID:     sub.SessionID,
		TempID:        sub.TempID,
		Patches:       committed,
		AppliedAt:     next.UpdatedAt,
	}
	if sub.Identity != nil {
		evt.AuthorID = sub.Identity.UserID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.events.Enqueue(ctx, evt); err != nil {
		log.Printf("enqueue patch event error (workspace=%s, version=%d): %v", sub.WorkspaceID, next.Version, err)
	}
}

type Status string

const (
	StatusOK          Status = "ok"
	StatusConflict    Status = "conflict"
	StatusRateLimited Status = "rate_limited"
	StatusForbidden   Status = "forbidden"
	StatusNotMember   Status = "not_a_member"
	StatusNotFound    Status = "not_found"
	StatusError       Status = "error"
)

// StatusOf 把提交错误映射到线上的状态码
func StatusOf(err error) Status {
	var conflict *ConflictError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &conflict):
		return StatusConflict
	case errors.Is(err, workspace.ErrForbidden):
		return StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return StatusNotFound
	}
	return StatusError
}

// Reason 给客户端的错误描述；存储层内部错误不外泄
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, workspace.ErrInvalidPatch), errors.Is(err, workspace.ErrInvalidRecord):
		return err.Error()
	case errors.Is(err, workspace.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	}
	return "internal error"
}
