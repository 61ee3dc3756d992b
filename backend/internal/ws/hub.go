package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/changefeed"
	"syncServer/backend/internal/store"
)

type RoomKind string

const (
	RoomRecord RoomKind = "record"
	RoomCRDT   RoomKind = "crdt"
)

type roomKey struct {
	kind        RoomKind
	workspaceID string
}

// Feed 按工作区订阅存储变更
type Feed interface {
	Subscribe(workspaceID string, fn changefeed.Handler) (cancel func())
}

// Relayer 把房间广播发给其他实例
type Relayer interface {
	Publish(ctx context.Context, workspaceID, room string, payload []byte) error
}

// Replicas 本实例的 CRDT 副本。其他实例转发来的增量和整体覆盖先并入副本，
// 否则本实例落盘时会丢掉对方的写入。
type Replicas interface {
	// Release CRDT 房间清空后卸载副本
	Release(workspaceID string)
	ApplyLoaded(workspaceID string, update []byte) (bool, error)
	Adopt(workspaceID string, state []byte) error
}

type Hub struct {
	presence cache.PresenceCache
	feed     Feed
	relay    Relayer
	replicas Replicas

	// 保护 rooms / feedCancel
	mu sync.RWMutex
	// 一个用户可以有多个连接（多标签页），广播按连接发
	rooms      map[roomKey]map[*Conn]struct{}
	feedCancel map[string]func()
}

type HubOptions struct {
	Presence cache.PresenceCache
	Feed     Feed
	Relay    Relayer
	Replicas Replicas
}

func NewHub(opt HubOptions) *Hub {
	return &Hub{
		presence:   opt.Presence,
		feed:       opt.Feed,
		relay:      opt.Relay,
		replicas:   opt.Replicas,
		rooms:      make(map[roomKey]map[*Conn]struct{}),
		feedCancel: make(map[string]func()),
	}
}

// Join 把连接加入房间。记录房间的第一个成员负责订阅变更流。
func (h *Hub) Join(kind RoomKind, workspaceID string, c *Conn) {
	key := roomKey{kind, workspaceID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Conn]struct{})
		if kind == RoomRecord && h.feed != nil {
			h.feedCancel[workspaceID] = h.feed.Subscribe(workspaceID, func(evt store.ChangeEvent) {
				h.onChange(evt)
			})
		}
	}
	h.rooms[key][c] = struct{}{}
}

// Leave 幂等；房间清空时取消订阅
func (h *Hub) Leave(kind RoomKind, workspaceID string, c *Conn) {
	key := roomKey{kind, workspaceID}
	h.mu.Lock()
	conns, ok := h.rooms[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	emptied := len(conns) == 0
	if emptied {
		delete(h.rooms, key)
		if kind == RoomRecord {
			if cancel, ok := h.feedCancel[workspaceID]; ok {
				cancel()
				delete(h.feedCancel, workspaceID)
			}
		}
	}
	h.mu.Unlock()

	if emptied && kind == RoomCRDT && h.replicas != nil {
		go h.replicas.Release(workspaceID)
	}
}

func (h *Hub) InRoom(kind RoomKind, workspaceID string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomKey{kind, workspaceID}][c]
	return ok
}

func (h *Hub) RoomSize(kind RoomKind, workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey{kind, workspaceID}])
}

func (h *Hub) members(kind RoomKind, workspaceID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.rooms[roomKey{kind, workspaceID}]
	out := make([]*Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// BroadcastLocal 只发给本实例的连接，except 为发起方
func (h *Hub) BroadcastLocal(kind RoomKind, workspaceID string, msg OutboundMessage, except *Conn) {
	for _, c := range h.members(kind, workspaceID) {
		if c == except {
			continue
		}
		c.SendMessage(msg)
	}
}

// Broadcast 本地广播之外，再通过 relay 发给其他实例
func (h *Hub) Broadcast(kind RoomKind, workspaceID string, msg OutboundMessage, except *Conn) {
	h.BroadcastLocal(kind, workspaceID, msg, except)
	if h.relay == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("encode relay message error: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, workspaceID, string(kind), payload); err != nil {
		log.Printf("relay publish error (workspace=%s): %v", workspaceID, err)
	}
}

// HandleRelay 重放其他实例转发来的广播
func (h *Hub) HandleRelay(rm cache.RelayMessage) {
	kind := RoomKind(rm.Room)
	if kind != RoomRecord && kind != RoomCRDT {
		return
	}
	if kind == RoomCRDT {
		h.mergeRelayed(rm)
	}
	h.BroadcastLocal(kind, rm.WorkspaceID, preEncoded(rm.Payload), nil)
}

func (h *Hub) mergeRelayed(rm cache.RelayMessage) {
	if h.replicas == nil {
		return
	}
	var msg CRDTMessage
	if err := json.Unmarshal(rm.Payload, &msg); err != nil {
		log.Printf("decode relayed crdt message error (workspace=%s): %v", rm.WorkspaceID, err)
		return
	}
	var err error
	switch msg.Type {
	case PushCRDTUpdate:
		_, err = h.replicas.ApplyLoaded(rm.WorkspaceID, msg.Update)
	case PushCRDTSnapshot:
		err = h.replicas.Adopt(rm.WorkspaceID, msg.Update)
	}
	if err != nil {
		log.Printf("merge relayed crdt message error (workspace=%s): %v", rm.WorkspaceID, err)
	}
}

// onChange 变更流事件：删除推 deleted，其余推完整记录
func (h *Hub) onChange(evt store.ChangeEvent) {
	switch evt.Kind {
	case store.ChangeDeleted:
		h.BroadcastLocal(RoomRecord, evt.WorkspaceID, ServerMessage{Type: PushDeleted, WorkspaceID: evt.WorkspaceID}, nil)
	case store.ChangeFull:
		if evt.Document == nil {
			return
		}
		h.BroadcastLocal(RoomRecord, evt.WorkspaceID, ServerMessage{Type: PushFull, WorkspaceID: evt.WorkspaceID, Doc: evt.Document}, nil)
	}
}

// BroadcastSnapshot 整体覆盖后推给 CRDT 房间所有成员
func (h *Hub) BroadcastSnapshot(workspaceID string, state []byte) {
	h.Broadcast(RoomCRDT, workspaceID, CRDTMessage{Type: PushCRDTSnapshot, WorkspaceID: workspaceID, Update: state}, nil)
}

func (h *Hub) BroadcastPresence(workspaceID string, members []cache.PresenceMember) {
	h.BroadcastLocal(RoomRecord, workspaceID, ServerMessage{Type: PushPresence, WorkspaceID: workspaceID, Members: members}, nil)
}
