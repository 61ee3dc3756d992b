package collab

import (
	"time"

	"syncServer/backend/internal/workspace"
)

// PatchAppliedEvent 每次成功提交后投递到 Kafka，供审计与下游消费
type PatchAppliedEvent struct {
	EventType     string          `json:"eventType"` // 固定 "PATCH_APPLIED"
	EventID       string          `json:"eventId"`
	WorkspaceID   string          `json:"workspaceId"`
	Version       int64           `json:"version"`
	ClientVersion int64           `json:"clientVersion"`
	AuthorID      string          `json:"authorId,omitempty"`
	SessionID     string          `json:"sessionId"`
	TempID        string          `json:"tempId,omitempty"`
	Patches       workspace.Patch `json:"patches"`
	AppliedAt     time.Time       `json:"appliedAt"`
}

const EventPatchApplied = "PATCH_APPLIED"
