package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health 变更流未就绪时返回 503，房间推送可能落后
func Health(changeFeedReady func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ready := changeFeedReady == nil || changeFeedReady()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ok": ready, "changeFeed": ready})
	}
}
