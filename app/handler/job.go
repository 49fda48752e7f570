package handler

import (
	"net/http"

	"mediaflow/app/pipeline"
	"mediaflow/app/taskqueue"

	"github.com/gin-gonic/gin"
)

// JobHandler 任务查询与取消
type JobHandler struct {
	*ResponseHelper
	pipeline Pipeline
}

// NewJobHandler 创建任务处理器
func NewJobHandler(p Pipeline) *JobHandler {
	return &JobHandler{ResponseHelper: NewResponseHelper(), pipeline: p}
}

// List 列出任务，可按状态过滤
func (h *JobHandler) List(c *gin.Context) {
	jobs := h.pipeline.ListJobs()
	if state := c.Query("state"); state != "" {
		filtered := make([]*pipeline.JobStatus, 0, len(jobs))
		for _, j := range jobs {
			if j.State == taskqueue.Status(state) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	h.ok(c, gin.H{"list": jobs, "total": len(jobs)}, "获取任务列表成功")
}

// Get 查询单个任务
func (h *JobHandler) Get(c *gin.Context) {
	status, ok := h.pipeline.GetStatus(c.Param("id"))
	if !ok {
		h.fail(c, http.StatusNotFound, "任务不存在")
		return
	}
	h.ok(c, status, "获取任务成功")
}

// Cancel 取消排队中的任务
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.pipeline.GetStatus(id); !ok {
		h.fail(c, http.StatusNotFound, "任务不存在")
		return
	}
	if !h.pipeline.Cancel(id) {
		h.fail(c, http.StatusConflict, "任务已开始或已结束，无法取消")
		return
	}
	status, _ := h.pipeline.GetStatus(id)
	h.ok(c, status, "任务已取消")
}
