package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/workspace"
)

// Services 连接处理事件需要的依赖
type Services struct {
	Store      store.WorkspaceStore
	Mutator    *collab.Mutator
	Replicator *collab.Replicator
	// 限制同时进行的提交数，nil 表示不限
	Sem *collab.SemaphoreControl
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      Services
	opt      Options
	id       string
	identity *auth.Identity

	send     chan OutboundMessage
	sendMu   sync.Mutex
	sendDone bool

	// 只由读循环访问
	limiter RateWindow
	rooms   map[roomKey]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, svc Services, identity *auth.Identity, opt Options) *Conn {
	opt = opt.withDefaults()
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		opt:      opt,
		id:       ulid.Make().String(),
		identity: identity,
		send:     make(chan OutboundMessage, opt.SendQueueSize),
		limiter:  NewRateWindow(opt.MaxUpdatesPerWindow, opt.RateWindow),
		rooms:    make(map[roomKey]struct{}),
	}
}

func (c *Conn) SessionID() string { return c.id }

// SendMessage 非阻塞入队；队列满或连接已关闭时丢弃
func (c *Conn) SendMessage(msg OutboundMessage) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("send queue full, drop %s (session=%s)", msg.MessageType(), c.id)
		return false
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

func (c *Conn) memberID() string {
	if c.identity != nil && c.identity.UserID != "" {
		return c.identity.UserID
	}
	return c.id
}

func (c *Conn) username() string {
	if c.identity != nil {
		return c.identity.Username
	}
	return ""
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()

	c.ws.SetReadLimit(c.opt.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read message error (session=%s): %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendMessage(ServerMessage{Type: PushError, Status: string(collab.StatusError), Error: "invalid message"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeSend()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("write json error (session=%s): %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup 断开时离开所有房间并清掉在线状态
func (c *Conn) cleanup() {
	for key := range c.rooms {
		c.leaveRoom(key)
	}
	c.rooms = nil
	c.closeSend()
}

// leaveRoom 离开记录房间时同时摘掉在线状态，并把剩余成员推给房间
func (c *Conn) leaveRoom(key roomKey) {
	delete(c.rooms, key)
	c.hub.Leave(key.kind, key.workspaceID, c)
	if key.kind != RoomRecord || c.hub.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.hub.presence.RemoveMember(ctx, key.workspaceID, c.memberID()); err != nil {
		log.Printf("remove member error: %v", err)
		return
	}
	members, err := c.hub.presence.GetAliveMembers(ctx, key.workspaceID)
	if err != nil {
		log.Printf("get members error: %v", err)
		return
	}
	c.hub.BroadcastPresence(key.workspaceID, members)
}

// dispatch 单个事件的 panic 只影响这一条消息
func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("handler panic (type=%s, session=%s): %v\n%s", msg.Type, c.id, r, debug.Stack())
			c.reply(msg, AckMessage{OK: false, Status: string(collab.StatusError), Error: "internal error"})
		}
	}()

	switch msg.Type {
	case EventJoin:
		c.handleJoin(ctx, msg)
	case EventLeave:
		c.handleLeave(msg)
	case EventRequestFull:
		c.handleRequestFull(ctx, msg)
	case EventUpdate:
		c.handleUpdate(ctx, msg)
	case EventCRDTJoin:
		c.handleCRDTJoin(ctx, msg)
	case EventCRDTUpdate:
		c.handleCRDTUpdate(ctx, msg)
	case EventCRDTSnapshotRequest:
		c.handleCRDTSnapshotRequest(ctx, msg)
	case EventCRDTSave:
		c.handleCRDTSave(ctx, msg)
	case EventHeartbeat:
		c.handleHeartbeat(ctx, msg)
	default:
		c.reply(msg, AckMessage{OK: false, Status: string(collab.StatusError), Error: "unknown message type"})
	}
}

// reply 带 ack id 的请求回 ack，否则推一条 error
func (c *Conn) reply(msg ClientMessage, ack AckMessage) {
	if len(msg.Ack) > 0 {
		ack.Type = PushAck
		ack.Ack = msg.Ack
		c.SendMessage(ack)
		return
	}
	if ack.OK {
		return
	}
	c.SendMessage(ServerMessage{Type: PushError, WorkspaceID: msg.WorkspaceID, Status: ack.Status, Error: ack.Error})
}

func (c *Conn) fail(msg ClientMessage, status collab.Status, reason string) {
	c.reply(msg, AckMessage{OK: false, Status: string(status), Error: reason})
}

// authorize 读取记录并判断当前身份的角色；每次特权操作都重新判断
func (c *Conn) authorize(ctx context.Context, msg ClientMessage) (*workspace.Workspace, workspace.Decision, bool) {
	if msg.WorkspaceID == "" {
		c.fail(msg, collab.StatusError, "missing workspaceId")
		return nil, workspace.Decision{}, false
	}
	ws, err := c.svc.Store.GetWorkspace(ctx, msg.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		c.fail(msg, collab.StatusNotFound, "not_found")
		return nil, workspace.Decision{}, false
	}
	if err != nil {
		log.Printf("get workspace error (workspace=%s): %v", msg.WorkspaceID, err)
		c.fail(msg, collab.StatusError, "internal error")
		return nil, workspace.Decision{}, false
	}
	d := workspace.Authorize(c.identity, ws)
	if !d.Allowed {
		c.fail(msg, collab.StatusNotMember, "not_a_member")
		return nil, d, false
	}
	return ws, d, true
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	ws, _, ok := c.authorize(ctx, msg)
	if !ok {
		return
	}
	c.hub.Join(RoomRecord, msg.WorkspaceID, c)
	c.rooms[roomKey{RoomRecord, msg.WorkspaceID}] = struct{}{}

	// 入房后再读一次，订阅建立之前的提交不会漏掉
	if latest, err := c.svc.Store.GetWorkspace(ctx, msg.WorkspaceID); err == nil {
		ws = latest
	}
	c.SendMessage(ServerMessage{Type: PushFull, WorkspaceID: msg.WorkspaceID, Doc: ws})
	if len(msg.Ack) > 0 {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK), Version: int64Ptr(ws.Version)})
	}
}

func (c *Conn) handleLeave(msg ClientMessage) {
	for _, kind := range []RoomKind{RoomRecord, RoomCRDT} {
		key := roomKey{kind, msg.WorkspaceID}
		if _, ok := c.rooms[key]; ok {
			c.leaveRoom(key)
		}
	}
	if len(msg.Ack) > 0 {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
	}
}

func (c *Conn) handleRequestFull(ctx context.Context, msg ClientMessage) {
	ws, _, ok := c.authorize(ctx, msg)
	if !ok {
		return
	}
	if len(msg.Ack) == 0 {
		c.SendMessage(ServerMessage{Type: PushFull, WorkspaceID: msg.WorkspaceID, Doc: ws})
		return
	}
	c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK), Version: int64Ptr(ws.Version), Doc: ws})
}

func (c *Conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	if !c.limiter.Allow(time.Now()) {
		c.reply(msg, AckMessage{OK: false, Status: string(collab.StatusRateLimited), TempID: msg.TempID, Error: "rate_limited"})
		return
	}
	if msg.WorkspaceID == "" || msg.ClientVersion == nil {
		c.reply(msg, AckMessage{OK: false, Status: string(collab.StatusError), TempID: msg.TempID, Error: "workspaceId and clientVersion are required"})
		return
	}

	if c.svc.Sem != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := c.svc.Sem.Acquire(acquireCtx)
		cancel()
		if err != nil {
			c.reply(msg, AckMessage{OK: false, Status: string(collab.StatusError), TempID: msg.TempID, Error: "server busy"})
			return
		}
		defer c.svc.Sem.Release()
	}

	commit, err := c.svc.Mutator.Submit(ctx, collab.Submission{
		WorkspaceID:   msg.WorkspaceID,
		Patches:       msg.Patches,
		ClientVersion: *msg.ClientVersion,
		TempID:        msg.TempID,
		Identity:      c.identity,
		SessionID:     c.id,
	})

	status := collab.StatusOf(err)
	switch status {
	case collab.StatusOK:
		c.hub.Broadcast(RoomRecord, msg.WorkspaceID, PatchedMessage{
			Type:            PushPatched,
			WorkspaceID:     msg.WorkspaceID,
			Patches:         commit.Patches,
			Version:         commit.Version,
			OriginSessionID: c.id,
			TempID:          msg.TempID,
		}, c)
		c.reply(msg, AckMessage{OK: true, Status: string(status), Version: int64Ptr(commit.Version), TempID: msg.TempID, Patches: commit.Patches})
	case collab.StatusConflict:
		var conflict *collab.ConflictError
		errors.As(err, &conflict)
		cur := conflict.Current
		// 权威记录只发给提交方
		c.SendMessage(ServerMessage{Type: PushConflict, WorkspaceID: msg.WorkspaceID, Doc: cur, Version: int64Ptr(cur.Version), TempID: msg.TempID})
		if len(msg.Ack) > 0 {
			c.reply(msg, AckMessage{OK: false, Status: string(status), Version: int64Ptr(cur.Version), TempID: msg.TempID, Doc: cur})
		}
	default:
		if status == collab.StatusError && collab.Reason(err) == "internal error" {
			log.Printf("submit patch error (workspace=%s, session=%s): %v", msg.WorkspaceID, c.id, err)
		}
		c.reply(msg, AckMessage{OK: false, Status: string(status), TempID: msg.TempID, Error: collab.Reason(err)})
	}
}

func (c *Conn) handleCRDTJoin(ctx context.Context, msg ClientMessage) {
	if _, _, ok := c.authorize(ctx, msg); !ok {
		return
	}
	c.hub.Join(RoomCRDT, msg.WorkspaceID, c)
	c.rooms[roomKey{RoomCRDT, msg.WorkspaceID}] = struct{}{}
	if len(msg.Ack) > 0 {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
	}
}

func (c *Conn) handleCRDTUpdate(ctx context.Context, msg ClientMessage) {
	if _, ok := c.rooms[roomKey{RoomCRDT, msg.WorkspaceID}]; !ok {
		c.fail(msg, collab.StatusNotMember, "not_a_member")
		return
	}
	// 成员关系可能在入房之后被收回，每条更新都按当前记录鉴权
	_, d, ok := c.authorize(ctx, msg)
	if !ok {
		return
	}
	if !d.CanEdit() {
		c.fail(msg, collab.StatusForbidden, "forbidden")
		return
	}
	if _, err := c.svc.Replicator.Apply(ctx, msg.WorkspaceID, msg.Update); err != nil {
		log.Printf("apply crdt update error (workspace=%s, session=%s): %v", msg.WorkspaceID, c.id, err)
		c.fail(msg, collab.StatusError, "invalid update")
		return
	}
	c.hub.Broadcast(RoomCRDT, msg.WorkspaceID, CRDTMessage{
		Type:            PushCRDTUpdate,
		WorkspaceID:     msg.WorkspaceID,
		Update:          msg.Update,
		OriginSessionID: c.id,
	}, c)
	if len(msg.Ack) > 0 {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
	}
}

func (c *Conn) handleCRDTSnapshotRequest(ctx context.Context, msg ClientMessage) {
	if _, _, ok := c.authorize(ctx, msg); !ok {
		return
	}
	state, err := c.svc.Replicator.Snapshot(ctx, msg.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		c.fail(msg, collab.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		log.Printf("load crdt snapshot error (workspace=%s): %v", msg.WorkspaceID, err)
		c.fail(msg, collab.StatusError, "internal error")
		return
	}
	c.SendMessage(CRDTMessage{Type: PushCRDTSnapshot, WorkspaceID: msg.WorkspaceID, Update: state})
	if len(msg.Ack) > 0 {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
	}
}

// handleCRDTSave 整体覆盖；成功后由 Replicator 的回调推 crdt-snapshot 给房间
func (c *Conn) handleCRDTSave(ctx context.Context, msg ClientMessage) {
	_, d, ok := c.authorize(ctx, msg)
	if !ok {
		return
	}
	if !d.CanEdit() {
		c.fail(msg, collab.StatusForbidden, "forbidden")
		return
	}
	if err := c.svc.Replicator.SaveSnapshot(ctx, msg.WorkspaceID, msg.Update); err != nil {
		log.Printf("save crdt snapshot error (workspace=%s): %v", msg.WorkspaceID, err)
		c.fail(msg, collab.StatusError, "save failed")
		return
	}
	c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	if c.hub.presence == nil {
		c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
		return
	}
	var ids []string
	if msg.WorkspaceID != "" {
		if _, ok := c.rooms[roomKey{RoomRecord, msg.WorkspaceID}]; !ok {
			c.fail(msg, collab.StatusNotMember, "not_a_member")
			return
		}
		ids = []string{msg.WorkspaceID}
	} else {
		for key := range c.rooms {
			if key.kind == RoomRecord {
				ids = append(ids, key.workspaceID)
			}
		}
	}
	for _, id := range ids {
		if err := c.hub.presence.AddMember(ctx, id, c.memberID(), c.username(), c.opt.PresenceTTL); err != nil {
			log.Printf("add member error: %v", err)
			continue
		}
		members, err := c.hub.presence.GetAliveMembers(ctx, id)
		if err != nil {
			log.Printf("get members error: %v", err)
			continue
		}
		c.hub.BroadcastPresence(id, members)
	}
	c.reply(msg, AckMessage{OK: true, Status: string(collab.StatusOK)})
}
