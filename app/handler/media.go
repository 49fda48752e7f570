package handler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"mediaflow/app/logger"
	"mediaflow/app/model"
	"mediaflow/app/pipeline"
	"mediaflow/app/progress"
	"mediaflow/app/taskqueue"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Pipeline 处理器依赖的编排器能力
type Pipeline interface {
	Submit(ctx context.Context, ref pipeline.MediaRef, opts pipeline.SubmitOptions) (*pipeline.Submission, error)
	GetStatus(jobID string) (*pipeline.JobStatus, bool)
	ListJobs() []*pipeline.JobStatus
	Cancel(jobID string) bool
	Subscribe(subject string) *progress.Subscription
	SetConcurrency(n int) error
	Stats() taskqueue.Stats
	GetMedia(ctx context.Context, id string) (*pipeline.MediaDetail, error)
	ListMedia(ctx context.Context, offset, limit int) ([]model.MediaRecord, int64, error)
	DeleteMedia(ctx context.Context, id string) error
}

// MediaHandler 媒体提交与查询
type MediaHandler struct {
	*ResponseHelper
	pipeline      Pipeline
	uploadDir     string
	maxUploadSize int64
	logger        *logger.Logger
}

// NewMediaHandler 创建媒体处理器
func NewMediaHandler(p Pipeline, uploadDir string, maxUploadSize int64, log *logger.Logger) *MediaHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MediaHandler{
		ResponseHelper: NewResponseHelper(),
		pipeline:       p,
		uploadDir:      uploadDir,
		maxUploadSize:  maxUploadSize,
		logger:         log,
	}
}

// SubmitMediaRequest 按服务器本地路径提交
type SubmitMediaRequest struct {
	Path        string        `json:"path" binding:"required"`
	DisplayName string        `json:"displayName"`
	Priority    int           `json:"priority"`
	Invalidate  []model.Stage `json:"invalidate"`
}

// Submit 提交服务器上已有的媒体文件
func (h *MediaHandler) Submit(c *gin.Context) {
	var req SubmitMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.pipeline.Submit(c.Request.Context(),
		pipeline.MediaRef{Path: req.Path, DisplayName: req.DisplayName},
		pipeline.SubmitOptions{Priority: req.Priority, Invalidate: req.Invalidate})
	if err != nil {
		h.logger.Warnf("提交媒体失败: %s, 错误: %v", req.Path, err)
		h.failErr(c, err)
		return
	}
	h.ok(c, sub, submitMessage(sub))
}

// Upload 上传文件并提交，源文件移动到媒体目录
func (h *MediaHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}

	file, err := c.FormFile("file")
	if err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Sprintf("读取上传文件失败: %v", err))
		return
	}
	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		h.fail(c, http.StatusBadRequest, fmt.Sprintf("文件超过大小限制 %s", humanize.IBytes(uint64(h.maxUploadSize))))
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		h.fail(c, http.StatusInternalServerError, "创建上传目录失败")
		return
	}
	tmp := filepath.Join(h.uploadDir, uuid.NewString()+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, tmp); err != nil {
		_ = os.Remove(tmp)
		h.fail(c, http.StatusInternalServerError, fmt.Sprintf("保存上传文件失败: %v", err))
		return
	}

	priority, _ := strconv.Atoi(c.DefaultPostForm("priority", "0"))
	sub, err := h.pipeline.Submit(c.Request.Context(),
		pipeline.MediaRef{Path: tmp, DisplayName: file.Filename},
		pipeline.SubmitOptions{Priority: priority, Move: true})
	if err != nil {
		_ = os.Remove(tmp)
		h.failErr(c, err)
		return
	}
	// 没有新任务接管时上传文件不会被移动
	if sub.JobID == "" || sub.Joined {
		_ = os.Remove(tmp)
	}

	h.logger.Infof("📤 收到上传: %s (%s) -> %s", file.Filename, humanize.IBytes(uint64(file.Size)), sub.MediaID)
	h.ok(c, sub, submitMessage(sub))
}

func submitMessage(sub *pipeline.Submission) string {
	switch {
	case sub.JobID == "":
		return "媒体已处理完成，无需重新处理"
	case sub.Joined:
		return "媒体正在处理中，已合并到现有任务"
	case sub.Duplicate:
		return "重复内容，只处理缺失的阶段"
	default:
		return "提交成功"
	}
}

// List 分页列出媒体
func (h *MediaHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	list, total, err := h.pipeline.ListMedia(c.Request.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, gin.H{
		"list":     list,
		"total":    total,
		"current":  page,
		"pageSize": pageSize,
	}, "获取媒体列表成功")
}

// Get 返回媒体详情和分析文档
func (h *MediaHandler) Get(c *gin.Context) {
	detail, err := h.pipeline.GetMedia(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, detail, "获取媒体成功")
}

// Delete 删除媒体记录和产物
func (h *MediaHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.pipeline.DeleteMedia(c.Request.Context(), id); err != nil {
		h.failErr(c, err)
		return
	}
	h.logger.Infof("媒体已删除: %s", id)
	h.ok(c, nil, "删除成功")
}
