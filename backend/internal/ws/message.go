package ws

import (
	"encoding/json"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/workspace"
)

// 客户端 → 服务端事件
const (
	EventJoin                = "join"
	EventLeave               = "leave"
	EventRequestFull         = "requestFull"
	EventUpdate              = "update"
	EventCRDTJoin            = "crdt-join"
	EventCRDTUpdate          = "crdt-update"
	EventCRDTSnapshotRequest = "crdt-snapshot-request"
	EventCRDTSave            = "crdt-save"
	EventHeartbeat           = "heartbeat"
)

// 服务端 → 客户端推送
const (
	PushWelcome      = "welcome"
	PushFull         = "full"
	PushDeleted      = "deleted"
	PushPatched      = "patched"
	PushConflict     = "conflict"
	PushCRDTUpdate   = "crdt-update"
	PushCRDTSnapshot = "crdt-snapshot"
	PushPresence     = "presence"
	PushError        = "error"
	PushAck          = "ack"
)

// ClientMessage 所有入站事件共用一个扁平结构，按 Type 取字段
type ClientMessage struct {
	Type string `json:"type"`
	// 请求-应答关联 id，原样回显，数字或字符串均可
	Ack           json.RawMessage `json:"ack,omitempty"`
	WorkspaceID   string          `json:"workspaceId"`
	Patches       workspace.Patch `json:"patches,omitempty"`
	ClientVersion *int64          `json:"clientVersion,omitempty"`
	TempID        string          `json:"tempId,omitempty"`
	// CRDT 增量或完整状态，JSON 中为 base64
	Update []byte `json:"update,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string  { return m.Type }
func (m AckMessage) MessageType() string     { return PushAck }
func (m PatchedMessage) MessageType() string { return PushPatched }
func (m CRDTMessage) MessageType() string    { return m.Type }
func (m preEncoded) MessageType() string     { return "relayed" }

type ServerMessage struct {
	Type        string                 `json:"type"`
	WorkspaceID string                 `json:"workspaceId,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	User        *auth.Identity         `json:"user,omitempty"`
	Doc         *workspace.Workspace   `json:"doc,omitempty"`
	Version     *int64                 `json:"version,omitempty"`
	TempID      string                 `json:"tempId,omitempty"`
	Members     []cache.PresenceMember `json:"members,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type AckMessage struct {
	Type    string               `json:"type"` // 固定 "ack"
	Ack     json.RawMessage      `json:"ack,omitempty"`
	OK      bool                 `json:"ok"`
	Status  string               `json:"status,omitempty"`
	Version *int64               `json:"version,omitempty"`
	TempID  string               `json:"tempId,omitempty"`
	Doc     *workspace.Workspace `json:"doc,omitempty"`
	// 提交成功时带上实际生效的补丁，含服务端写入的 updatedAt
	Patches workspace.Patch `json:"patches,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PatchedMessage 已提交补丁，广播给同房间的其他连接
type PatchedMessage struct {
	Type            string          `json:"type"` // 固定 "patched"
	WorkspaceID     string          `json:"workspaceId"`
	Patches         workspace.Patch `json:"patches"`
	Version         int64           `json:"version"`
	OriginSessionID string          `json:"originSessionId"`
	TempID          string          `json:"tempId,omitempty"`
}

// CRDTMessage crdt-update / crdt-snapshot，Update 原样转发不做重编码
type CRDTMessage struct {
	Type            string `json:"type"`
	WorkspaceID     string `json:"workspaceId"`
	Update          []byte `json:"update"`
	OriginSessionID string `json:"originSessionId,omitempty"`
}

// preEncoded 其他实例转发来的、已经序列化好的消息
type preEncoded []byte

func (p preEncoded) MarshalJSON() ([]byte, error) { return p, nil }

func int64Ptr(v int64) *int64 { return &v }
