package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// ProgressHandler 通过 SSE 推送进度事件
type ProgressHandler struct {
	pipeline  Pipeline
	heartbeat time.Duration
}

// NewProgressHandler 创建进度推送处理器
func NewProgressHandler(p Pipeline, heartbeat time.Duration) *ProgressHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &ProgressHandler{pipeline: p, heartbeat: heartbeat}
}

// Stream 订阅媒体 ID 或任务 ID 的事件，客户端断开时注销订阅
func (h *ProgressHandler) Stream(c *gin.Context) {
	sub := h.pipeline.Subscribe(c.Param("subject"))
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	events := sub.Events()
	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				// 订阅者缓冲溢出后被总线移除
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UnixMilli()})
			return true
		case <-done:
			return false
		}
	})
}
