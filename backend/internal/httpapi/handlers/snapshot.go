package handlers

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/blake2b"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/workspace"
)

// maxSnapshotBytes 和 WebSocket 单条消息上限保持一致量级
var maxSnapshotBytes int64 = 16 << 20

// maxJSONBodyBytes base64 膨胀 4/3，再留一点给 JSON 外壳
func maxJSONBodyBytes() int64 {
	return (maxSnapshotBytes+2)/3*4 + 1024
}

type SnapshotService interface {
	Snapshot(ctx context.Context, workspaceID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, workspaceID string, state []byte) error
}

type SnapshotHandler struct {
	svc SnapshotService
	// 非 nil 时按工作区成员关系鉴权
	members store.WorkspaceStore
}

func NewSnapshotHandler(svc SnapshotService, members store.WorkspaceStore) *SnapshotHandler {
	return &SnapshotHandler{svc: svc, members: members}
}

func (h *SnapshotHandler) Register(r gin.IRouter) {
	r.GET("/workspaces/:id/snapshot", h.GetSnapshot)
	r.POST("/workspaces/:id/saveSnapshot", h.SaveSnapshot)
}

// ETag blake2b-256 十六进制
func ETag(state []byte) string {
	sum := blake2b.Sum256(state)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (h *SnapshotHandler) authorize(c *gin.Context, id string, write bool) bool {
	if h.members == nil {
		return true
	}
	ws, err := h.members.GetWorkspace(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
	if err != nil {
		log.Printf("get workspace error (workspace=%s): %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}
	d := workspace.Authorize(auth.FromContext(c), ws)
	if !d.Allowed || (write && !d.CanEdit()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func (h *SnapshotHandler) GetSnapshot(c *gin.Context) {
	id := c.Param("id")
	if !h.authorize(c, id, false) {
		return
	}
	state, err := h.svc.Snapshot(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		log.Printf("load snapshot error (workspace=%s): %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	etag := ETag(state)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", state)
}

type saveSnapshotRequest struct {
	// base64 编码的完整状态
	State string `json:"state"`
}

// SaveSnapshot 整体覆盖，后写者胜。
// 请求体可以是原始 application/octet-stream，也可以是 JSON {state: base64}。
func (h *SnapshotHandler) SaveSnapshot(c *gin.Context) {
	id := c.Param("id")
	if !h.authorize(c, id, true) {
		return
	}

	var state []byte
	if strings.HasPrefix(c.ContentType(), "application/octet-stream") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSnapshotBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		if int64(len(body)) > maxSnapshotBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot too large"})
			return
		}
		state = body
	} else {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBodyBytes())
		var req saveSnapshotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(req.State)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state is not valid base64"})
			return
		}
		if int64(len(decoded)) > maxSnapshotBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot too large"})
			return
		}
		state = decoded
	}
	if len(state) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state is required"})
		return
	}

	err := h.svc.SaveSnapshot(c.Request.Context(), id, state)
	if errors.Is(err, crdt.ErrInvalidUpdate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("save snapshot error (workspace=%s): %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
