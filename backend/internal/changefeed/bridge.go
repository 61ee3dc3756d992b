package changefeed

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"syncServer/backend/internal/store"
	"syncServer/backend/internal/workspace"
)

// Loader 事件不带文档时回源读取
type Loader interface {
	GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error)
}

type Handler func(store.ChangeEvent)

type BridgeOptions struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	LoadTimeout time.Duration
}

// Bridge 把存储层的变更流按工作区分发给订阅者。
// 流断开后按指数退避重新订阅，重新建立后对每个已订阅的工作区推送一次权威状态，
// 断开期间错过的变更由这次刷新补上。
type Bridge struct {
	src    store.ChangeSource
	loader Loader
	opt    BridgeOptions

	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
	nextID uint64
	// 第一次 ready 之后的每次 ready 都意味着断线重连
	sawReady bool
	live     bool
}

func NewBridge(src store.ChangeSource, loader Loader, opt BridgeOptions) *Bridge {
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = 200 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 10 * time.Second
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = 3 * time.Second
	}
	return &Bridge{src: src, loader: loader, opt: opt, topics: make(map[string]map[uint64]Handler)}
}

// Subscribe 注册工作区的处理函数，返回的 cancel 可重复调用
func (b *Bridge) Subscribe(workspaceID string, fn Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.topics[workspaceID] == nil {
		b.topics[workspaceID] = make(map[uint64]Handler)
	}
	b.topics[workspaceID][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if hs, ok := b.topics[workspaceID]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(b.topics, workspaceID)
				}
			}
		})
	}
}

// Topics 当前有订阅者的工作区
func (b *Bridge) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for id := range b.topics {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ready 变更流当前是否处于订阅状态
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.live
}

func (b *Bridge) setLive(v bool) {
	b.mu.Lock()
	b.live = v
	b.mu.Unlock()
}

// Run 阻塞直到 ctx 结束
func (b *Bridge) Run(ctx context.Context) error {
	backoff := b.opt.MinBackoff
	for {
		started := time.Now()
		err := b.src.Watch(ctx, func(evt store.ChangeEvent) { b.dispatch(ctx, evt) })
		b.setLive(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 稳定运行过一段时间再断开，退避从头开始
		if time.Since(started) > b.opt.MaxBackoff {
			backoff = b.opt.MinBackoff
		}
		log.Printf("change feed error, resubscribing in %s: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > b.opt.MaxBackoff {
			backoff = b.opt.MaxBackoff
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, evt store.ChangeEvent) {
	if evt.Kind == store.ChangeReady {
		b.mu.Lock()
		resync := b.sawReady
		b.sawReady = true
		b.live = true
		b.mu.Unlock()
		if resync {
			b.resync(ctx)
		}
		return
	}
	handlers := b.handlers(evt.WorkspaceID)
	if len(handlers) == 0 {
		return
	}
	if evt.Kind == store.ChangeFull && evt.Document == nil {
		var ok bool
		evt, ok = b.reload(ctx, evt.WorkspaceID)
		if !ok {
			return
		}
	}
	for _, fn := range handlers {
		fn(evt)
	}
}

func (b *Bridge) handlers(workspaceID string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := b.topics[workspaceID]
	out := make([]Handler, 0, len(hs))
	for _, fn := range hs {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) reload(ctx context.Context, id string) (store.ChangeEvent, bool) {
	ctx, cancel := context.WithTimeout(ctx, b.opt.LoadTimeout)
	defer cancel()
	ws, err := b.loader.GetWorkspace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.ChangeEvent{WorkspaceID: id, Kind: store.ChangeDeleted}, true
	}
	if err != nil {
		log.Printf("change feed reload error (workspace=%s): %v", id, err)
		return store.ChangeEvent{}, false
	}
	return store.ChangeEvent{WorkspaceID: id, Kind: store.ChangeFull, Document: ws}, true
}

// resync 重新订阅后对所有工作区推送一次权威状态
func (b *Bridge) resync(ctx context.Context) {
	for _, id := range b.Topics() {
		evt, ok := b.reload(ctx, id)
		if !ok {
			continue
		}
		for _, fn := range b.handlers(id) {
			fn(evt)
		}
	}
}
