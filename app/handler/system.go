package handler

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"mediaflow/app/logger"
	"mediaflow/app/service"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sweeper 触发一次对账
type Sweeper interface {
	RunSweep(ctx context.Context) (*service.SweepReport, error)
}

// SystemHandler 统计、并发调整、对账和健康检查
type SystemHandler struct {
	*ResponseHelper
	pipeline  Pipeline
	sweeper   Sweeper
	logger    *logger.Logger
	version   string
	startedAt time.Time
}

// NewSystemHandler 创建系统处理器，sweeper 为空表示未启用对账
func NewSystemHandler(p Pipeline, sweeper Sweeper, version string, log *logger.Logger) *SystemHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &SystemHandler{
		ResponseHelper: NewResponseHelper(),
		pipeline:       p,
		sweeper:        sweeper,
		logger:         log,
		version:        version,
		startedAt:      time.Now(),
	}
}

// RuntimeStats 进程和主机运行指标
type RuntimeStats struct {
	Goroutines     int     `json:"goroutines"`
	HeapAlloc      uint64  `json:"heapAlloc"`
	HeapAllocHuman string  `json:"heapAllocHuman"`
	Uptime         string  `json:"uptime"`
	MemTotal       uint64  `json:"memTotal,omitempty"`
	MemUsedPercent float64 `json:"memUsedPercent,omitempty"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
}

// Stats 队列计数和运行指标
func (h *SystemHandler) Stats(c *gin.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	rt := RuntimeStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAlloc:      ms.HeapAlloc,
		HeapAllocHuman: humanize.IBytes(ms.HeapAlloc),
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
	}

	ctx := c.Request.Context()
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		rt.MemTotal = vm.Total
		rt.MemUsedPercent = vm.UsedPercent
	} else {
		h.logger.Debugf("读取主机内存失败: %v", err)
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		rt.CPUPercent = percents[0]
	}

	h.ok(c, gin.H{
		"queue":   h.pipeline.Stats(),
		"runtime": rt,
	}, "获取统计成功")
}

// ConcurrencyRequest 调整并发请求
type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency" binding:"required"`
}

// SetConcurrency 调整同时运行的处理链数量
func (h *SystemHandler) SetConcurrency(c *gin.Context) {
	var req ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pipeline.SetConcurrency(req.Concurrency); err != nil {
		h.failErr(c, err)
		return
	}
	h.logger.Infof("并发数已调整为 %d", req.Concurrency)
	h.ok(c, h.pipeline.Stats(), "并发数已更新")
}

// Reconcile 立即执行一次对账
func (h *SystemHandler) Reconcile(c *gin.Context) {
	if h.sweeper == nil {
		h.fail(c, http.StatusBadRequest, "对账服务未启用")
		return
	}

	report, err := h.sweeper.RunSweep(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrSweepRunning) {
			h.fail(c, http.StatusConflict, err.Error())
			return
		}
		h.failErr(c, err)
		return
	}
	h.ok(c, report, "对账完成")
}

// Health 健康检查
func (h *SystemHandler) Health(c *gin.Context) {
	h.ok(c, gin.H{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}, "ok")
}
