package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"syncServer/backend/internal/workspace"
)

// Memory 进程内存储，用于测试和单机调试。
// 它也是自己的 ChangeSource：任何写入都会通知 Watch 的订阅者，
// 这样测试里的"外部写入"与线上的变更流走同一条路径。
type Memory struct {
	mu         sync.Mutex
	workspaces map[string]*workspace.Workspace
	states     map[string]*CRDTDocument

	watchMu  sync.Mutex
	watchers map[int]func(ChangeEvent)
	nextID   int
}

func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[string]*workspace.Workspace),
		states:     make(map[string]*CRDTDocument),
		watchers:   make(map[int]func(ChangeEvent)),
	}
}

func (m *Memory) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return ws.Clone(), nil
}

func (m *Memory) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	m.mu.Lock()
	if _, ok := m.workspaces[ws.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrAlreadyExists)
	}
	stored := ws.Clone()
	m.workspaces[ws.ID] = stored
	evt := ChangeEvent{WorkspaceID: ws.ID, Kind: ChangeFull, Document: stored.Clone()}
	m.mu.Unlock()
	m.emit(evt)
	return nil
}

func (m *Memory) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expectedVersion int64) error {
	m.mu.Lock()
	cur, ok := m.workspaces[ws.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		m.mu.Unlock()
		return fmt.Errorf("workspace %s at version %d, expected %d: %w", ws.ID, cur.Version, expectedVersion, ErrVersionConflict)
	}
	stored := ws.Clone()
	m.workspaces[ws.ID] = stored
	evt := ChangeEvent{WorkspaceID: ws.ID, Kind: ChangeFull, Document: stored.Clone()}
	m.mu.Unlock()
	m.emit(evt)
	return nil
}

func (m *Memory) DeleteWorkspace(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.workspaces[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	delete(m.workspaces, id)
	m.mu.Unlock()
	m.emit(ChangeEvent{WorkspaceID: id, Kind: ChangeDeleted})
	return nil
}

func (m *Memory) LoadCRDT(ctx context.Context, workspaceID string) (*CRDTDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.states[workspaceID]
	if !ok {
		return nil, fmt.Errorf("crdt state %s: %w", workspaceID, ErrNotFound)
	}
	out := *doc
	out.DocState = append([]byte(nil), doc.DocState...)
	return &out, nil
}

func (m *Memory) SaveCRDT(ctx context.Context, workspaceID string, state []byte) (*CRDTDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.states[workspaceID]
	if !ok {
		doc = &CRDTDocument{WorkspaceID: workspaceID}
		m.states[workspaceID] = doc
	}
	doc.DocState = append([]byte(nil), state...)
	doc.Version++
	doc.LastModified = time.Now()
	out := *doc
	return &out, nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }

// Watch 注册回调直到 ctx 结束。回调在写入方的 goroutine 中同步执行。
func (m *Memory) Watch(ctx context.Context, fn func(ChangeEvent)) error {
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.watchMu.Unlock()
	fn(ChangeEvent{Kind: ChangeReady})

	<-ctx.Done()

	m.watchMu.Lock()
	delete(m.watchers, id)
	m.watchMu.Unlock()
	return ctx.Err()
}

func (m *Memory) emit(evt ChangeEvent) {
	m.watchMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}
