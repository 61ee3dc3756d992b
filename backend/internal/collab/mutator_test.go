package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/workspace"
)

type recordingSink struct {
	mu     sync.Mutex
	events []PatchAppliedEvent
}

func (s *recordingSink) Enqueue(ctx context.Context, evt PatchAppliedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

var (
	alice = &auth.Identity{UserID: "u-alice", Username: "alice"}
	bob   = &auth.Identity{UserID: "u-bob", Username: "bob"}
	vic   = &auth.Identity{UserID: "u-vic", Username: "vic"}
)

func newWorkspace(version int64) *workspace.Workspace {
	return &workspace.Workspace{
		ID:      "w1",
		Name:    "Sales",
		OwnerID: "alice",
		Private: true,
		Members: []workspace.Member{
			{Username: "bob", Role: workspace.RoleEditor},
			{Username: "vic", Role: workspace.RoleViewer},
		},
		Version:  version,
		IsActive: true,
	}
}

func rename(name string) workspace.Patch {
	v, _ := json.Marshal(name)
	return workspace.Patch{{Op: workspace.OpReplace, Path: "/name", Value: v}}
}

// 场景 A：基于当前版本提交，版本 +1
func TestMutator_AcceptsCurrentVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(3)))
	sink := &recordingSink{}
	m := NewMutator(mem, sink)

	commit, err := m.Submit(ctx, Submission{
		WorkspaceID: "w1", Patches: rename("Q3"), ClientVersion: 3, TempID: "t1", Identity: alice, SessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), commit.Version)
	assert.Equal(t, "Q3", commit.Workspace.Name)

	stored, err := mem.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Version)
	assert.Equal(t, "Q3", stored.Name)

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventPatchApplied, sink.events[0].EventType)
	assert.Equal(t, int64(4), sink.events[0].Version)
	assert.Equal(t, "u-alice", sink.events[0].AuthorID)
}

// 场景 B：过期版本被拒绝，拿到权威记录，存储不变
func TestMutator_RejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(5)))
	m := NewMutator(mem, nil)

	_, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("x"), ClientVersion: 4, Identity: bob})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(5), conflict.Current.Version)
	assert.Equal(t, StatusConflict, StatusOf(err))
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	stored, _ := mem.GetWorkspace(ctx, "w1")
	assert.Equal(t, "Sales", stored.Name)
	assert.Equal(t, int64(5), stored.Version)
}

// 同一版本的并发提交恰好一个成功，其余都是冲突
func TestMutator_ExactlyOneWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(0)))
	m := NewMutator(mem, nil)

	const n = 12
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("n"), ClientVersion: 0, Identity: bob})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch StatusOf(err) {
		case StatusOK:
			ok++
		case StatusConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
	stored, _ := mem.GetWorkspace(ctx, "w1")
	assert.Equal(t, int64(1), stored.Version)
}

// racingStore 在条件替换前插入一次外部提交，模拟读和写之间的竞争
type racingStore struct {
	*store.Memory
	once sync.Once
}

func (s *racingStore) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expected int64) error {
	s.once.Do(func() {
		other := newWorkspace(expected + 1)
		other.Name = "someone else"
		_ = s.Memory.ReplaceWorkspace(ctx, other, expected)
	})
	return s.Memory.ReplaceWorkspace(ctx, ws, expected)
}

func TestMutator_LostCASReportsConflict(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{Memory: store.NewMemory()}
	require.NoError(t, rs.CreateWorkspace(ctx, newWorkspace(2)))
	m := NewMutator(rs, nil)

	_, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("mine"), ClientVersion: 2, Identity: alice})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(3), conflict.Current.Version)
	assert.Equal(t, "someone else", conflict.Current.Name)
}

func TestMutator_InvalidPatchLeavesRecord(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(1)))
	m := NewMutator(mem, nil)

	v, _ := json.Marshal(99)
	for _, p := range []workspace.Patch{
		{{Op: workspace.OpReplace, Path: "/version", Value: v}},
		{{Op: workspace.OpReplace, Path: "/name", Value: v}},
		{{Op: workspace.OpRemove, Path: "/members/9"}},
		{},
	} {
		_, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: p, ClientVersion: 1, Identity: alice})
		require.Error(t, err)
		assert.Equal(t, StatusError, StatusOf(err))
		assert.NotEqual(t, "internal error", Reason(err))
	}
	stored, _ := mem.GetWorkspace(ctx, "w1")
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "Sales", stored.Name)
}

func TestMutator_Authorization(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(0)))
	m := NewMutator(mem, nil)

	_, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("x"), Identity: vic})
	assert.Equal(t, StatusForbidden, StatusOf(err))

	_, err = m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("x"), Identity: &auth.Identity{Username: "mallory"}})
	assert.ErrorIs(t, err, workspace.ErrForbidden)

	_, err = m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("x")})
	assert.ErrorIs(t, err, workspace.ErrForbidden)

	_, err = m.Submit(ctx, Submission{WorkspaceID: "nope", Patches: rename("x"), Identity: alice})
	assert.Equal(t, StatusNotFound, StatusOf(err))
}

type failingStore struct{ *store.Memory }

func (failingStore) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expected int64) error {
	return errors.New("connection reset")
}

func TestMutator_PersistenceUnavailable(t *testing.T) {
	ctx := context.Background()
	fs := failingStore{store.NewMemory()}
	require.NoError(t, fs.CreateWorkspace(ctx, newWorkspace(0)))
	m := NewMutator(fs, nil)
	m.now = func() time.Time { return time.Unix(0, 0) }

	_, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("x"), Identity: alice})
	assert.Equal(t, StatusError, StatusOf(err))
	assert.Equal(t, "internal error", Reason(err))
}

// 订阅方在旧版本上重放广播出去的补丁，得到的记录和存储一致
func TestMutator_CommittedPatchesReproduceStoredRecord(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWorkspace(ctx, newWorkspace(3)))
	sink := &recordingSink{}
	m := NewMutator(mem, sink)
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	m.now = func() time.Time { return at }

	peer, err := mem.GetWorkspace(ctx, "w1")
	require.NoError(t, err)

	commit, err := m.Submit(ctx, Submission{WorkspaceID: "w1", Patches: rename("Q3"), ClientVersion: 3, Identity: bob})
	require.NoError(t, err)
	require.Len(t, commit.Patches, 2)
	assert.Equal(t, "/updatedAt", commit.Patches[1].Path)

	replayed, err := workspace.Apply(peer, commit.Patches)
	require.NoError(t, err)
	replayed.Version = commit.Version

	stored, err := mem.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(at.Truncate(time.Millisecond)))

	want, err := json.Marshal(stored)
	require.NoError(t, err)
	got, err := json.Marshal(replayed)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	require.Len(t, sink.events, 1)
	assert.Equal(t, commit.Patches, sink.events[0].Patches)
}
