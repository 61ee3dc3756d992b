package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/store"
)

type ReplicatorOptions struct {
	// 合并后延迟落盘，窗口内的多次修改合并为一次写入
	PersistDelay time.Duration
	// 累计这么多次有效合并后立即落盘，0 表示只看定时器
	PersistEveryDeltas int
	SaveTimeout        time.Duration
}

// replica 一个工作区的权威 CRDT 副本
type replica struct {
	mu      sync.Mutex
	doc     *crdt.Doc
	gen     uint64
	pending int
	timer   *time.Timer
	evicted bool

	// 串行化落盘，savedGen 只在持有 persistMu 时读写
	persistMu sync.Mutex
	savedGen  uint64
}

// Replicator CRDT 通道：合并增量、异步落盘、提供快照
type Replicator struct {
	store store.CRDTStore
	opt   ReplicatorOptions

	mu       sync.Mutex
	replicas map[string]*replica
	loads    singleflight.Group

	onSnapshot func(workspaceID string, state []byte)
}

func NewReplicator(s store.CRDTStore, opt ReplicatorOptions) *Replicator {
	if opt.PersistDelay <= 0 {
		opt.PersistDelay = 300 * time.Millisecond
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 5 * time.Second
	}
	return &Replicator{store: s, opt: opt, replicas: make(map[string]*replica)}
}

// OnSnapshot 整体覆盖成功后的回调，网关用它推送 crdt-snapshot
func (r *Replicator) OnSnapshot(fn func(workspaceID string, state []byte)) {
	r.mu.Lock()
	r.onSnapshot = fn
	r.mu.Unlock()
}

func (r *Replicator) replica(ctx context.Context, id string) (*replica, error) {
	r.mu.Lock()
	rep, ok := r.replicas[id]
	r.mu.Unlock()
	if ok {
		return rep, nil
	}
	// 同一工作区的并发冷加载只读一次存储
	v, err, _ := r.loads.Do(id, func() (interface{}, error) {
		r.mu.Lock()
		if rep, ok := r.replicas[id]; ok {
			r.mu.Unlock()
			return rep, nil
		}
		r.mu.Unlock()

		doc, err := r.loadStored(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			doc = crdt.New()
		}

		rep := &replica{doc: doc}
		r.mu.Lock()
		if existing, ok := r.replicas[id]; ok {
			rep = existing
		} else {
			r.replicas[id] = rep
		}
		r.mu.Unlock()
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*replica), nil
}

// Apply 合并增量。返回 error 时增量无效，调用方不得转发。
func (r *Replicator) Apply(ctx context.Context, id string, update []byte) (bool, error) {
	if err := crdt.Validate(update); err != nil {
		return false, err
	}
	for {
		rep, err := r.replica(ctx, id)
		if err != nil {
			return false, err
		}
		rep.mu.Lock()
		if rep.evicted {
			rep.mu.Unlock()
			continue
		}
		changed, err := rep.doc.Merge(update)
		if err != nil {
			rep.mu.Unlock()
			return false, err
		}
		if changed {
			rep.gen++
			rep.pending++
			r.scheduleLocked(id, rep)
		}
		rep.mu.Unlock()
		return changed, nil
	}
}

// scheduleLocked 调用方持有 rep.mu
func (r *Replicator) scheduleLocked(id string, rep *replica) {
	if r.opt.PersistEveryDeltas > 0 && rep.pending >= r.opt.PersistEveryDeltas {
		if rep.timer != nil {
			rep.timer.Stop()
			rep.timer = nil
		}
		rep.pending = 0
		go r.persist(id, rep)
		return
	}
	if rep.timer == nil {
		rep.timer = time.AfterFunc(r.opt.PersistDelay, func() { r.persist(id, rep) })
	}
}

func (r *Replicator) persist(id string, rep *replica) {
	if err := r.persistNow(id, rep); err != nil {
		log.Printf("persist crdt error (workspace=%s): %v", id, err)
		// 下一次触发时重试
		rep.mu.Lock()
		if rep.timer == nil && !rep.evicted {
			rep.timer = time.AfterFunc(r.opt.PersistDelay, func() { r.persist(id, rep) })
		}
		rep.mu.Unlock()
	}
}

// persistNow 在 persistMu 内取最新状态再写，较旧的状态不会覆盖较新的。
// 写之前先合并已落盘的状态，其他实例写入的条目不会被覆盖掉。
func (r *Replicator) persistNow(id string, rep *replica) error {
	rep.persistMu.Lock()
	defer rep.persistMu.Unlock()

	rep.mu.Lock()
	if rep.timer != nil {
		rep.timer.Stop()
		rep.timer = nil
	}
	rep.pending = 0
	dirty := rep.gen != rep.savedGen
	rep.mu.Unlock()
	if !dirty {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opt.SaveTimeout)
	defer cancel()
	stored, err := r.loadStored(ctx, id)
	if err != nil {
		return err
	}

	rep.mu.Lock()
	if stored != nil && rep.doc.MergeDoc(stored) {
		rep.gen++
	}
	gen := rep.gen
	state := rep.doc.Encode()
	rep.mu.Unlock()

	if _, err := r.store.SaveCRDT(ctx, id, state); err != nil {
		return err
	}
	rep.savedGen = gen
	return nil
}

// loadStored 读取已落盘的状态，不存在时返回 nil
func (r *Replicator) loadStored(ctx context.Context, id string) (*crdt.Doc, error) {
	saved, err := r.store.LoadCRDT(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load crdt %s: %w", id, err)
	}
	doc, err := crdt.Decode(saved.DocState)
	if err != nil {
		return nil, fmt.Errorf("decode stored crdt %s: %w", id, err)
	}
	return doc, nil
}

func (r *Replicator) loaded(id string) (*replica, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[id]
	return rep, ok
}

// ApplyLoaded 合并其他实例转发的增量。本实例没有加载该副本时什么也不做，
// 下次加载会从存储读到对方落盘的状态。
func (r *Replicator) ApplyLoaded(id string, update []byte) (bool, error) {
	if err := crdt.Validate(update); err != nil {
		return false, err
	}
	rep, ok := r.loaded(id)
	if !ok {
		return false, nil
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.evicted {
		return false, nil
	}
	changed, err := rep.doc.Merge(update)
	if err != nil {
		return false, err
	}
	if changed {
		rep.gen++
		rep.pending++
		r.scheduleLocked(id, rep)
	}
	return changed, nil
}

// Adopt 其他实例已经整体覆盖并落盘，本地副本直接替换，不再写存储也不回调
func (r *Replicator) Adopt(id string, state []byte) error {
	doc, err := crdt.Decode(state)
	if err != nil {
		return err
	}
	rep, ok := r.loaded(id)
	if !ok {
		return nil
	}
	rep.persistMu.Lock()
	defer rep.persistMu.Unlock()
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.evicted {
		return nil
	}
	rep.doc = doc
	rep.gen++
	rep.pending = 0
	if rep.timer != nil {
		rep.timer.Stop()
		rep.timer = nil
	}
	rep.savedGen = rep.gen
	return nil
}

// Snapshot 返回权威状态：优先内存副本，否则取最后一次落盘的状态。
// 两者都没有内容时返回 store.ErrNotFound，不会返回空文档。
func (r *Replicator) Snapshot(ctx context.Context, id string) ([]byte, error) {
	rep, err := r.replica(ctx, id)
	if err != nil {
		return nil, err
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.doc.Empty() {
		return nil, fmt.Errorf("crdt state %s: %w", id, store.ErrNotFound)
	}
	return rep.doc.Encode(), nil
}

// SaveSnapshot 整体覆盖（后写者胜），同时替换内存副本并立即落盘
func (r *Replicator) SaveSnapshot(ctx context.Context, id string, state []byte) error {
	if err := crdt.Validate(state); err != nil {
		return err
	}
	doc, err := crdt.Decode(state)
	if err != nil {
		return err
	}
	rep, err := r.replica(ctx, id)
	if err != nil {
		return err
	}

	rep.persistMu.Lock()
	rep.mu.Lock()
	rep.doc = doc
	rep.gen++
	rep.pending = 0
	if rep.timer != nil {
		rep.timer.Stop()
		rep.timer = nil
	}
	gen := rep.gen
	canonical := doc.Encode()
	rep.mu.Unlock()

	_, err = r.store.SaveCRDT(ctx, id, canonical)
	if err == nil {
		rep.savedGen = gen
	}
	rep.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("save crdt snapshot %s: %w", id, err)
	}

	r.mu.Lock()
	fn := r.onSnapshot
	r.mu.Unlock()
	if fn != nil {
		fn(id, canonical)
	}
	return nil
}

// Release 房间清空后落盘并卸载副本；落盘失败时保留副本等待下次触发
func (r *Replicator) Release(id string) {
	rep, ok := r.loaded(id)
	if !ok {
		return
	}
	if err := r.persistNow(id, rep); err != nil {
		log.Printf("persist crdt on release error (workspace=%s): %v", id, err)
		return
	}
	rep.persistMu.Lock()
	rep.mu.Lock()
	clean := rep.gen == rep.savedGen
	if clean {
		rep.evicted = true
		if rep.timer != nil {
			rep.timer.Stop()
			rep.timer = nil
		}
	}
	rep.mu.Unlock()
	rep.persistMu.Unlock()
	if !clean {
		return
	}
	r.mu.Lock()
	if r.replicas[id] == rep {
		delete(r.replicas, id)
	}
	r.mu.Unlock()
}

// Flush 关闭前把所有副本落盘
func (r *Replicator) Flush(ctx context.Context) error {
	r.mu.Lock()
	reps := make(map[string]*replica, len(r.replicas))
	for id, rep := range r.replicas {
		reps[id] = rep
	}
	r.mu.Unlock()

	var errs []error
	for id, rep := range reps {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.persistNow(id, rep); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
