package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/config"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/logger"
	"mediaflow/app/model"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
)

// ErrSweepRunning 已有对账在运行
var ErrSweepRunning = errors.New("对账正在运行")

// MediaLookup 对账需要的读取操作
type MediaLookup interface {
	GetMediaByID(ctx context.Context, id string) (*model.MediaRecord, error)
}

// SweepReport 一次对账的统计
type SweepReport struct {
	Scanned   int           `json:"scanned"`
	Unchanged int           `json:"unchanged"`
	Repaired  int           `json:"repaired"`
	Skipped   int           `json:"skipped"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler 定期比对磁盘产物与媒体记录，补齐缺失的元数据，从不删除数据
type Reconciler struct {
	cfg      config.ReconcilerConfig
	mediaDir string
	lockPath string
	store    MediaLookup
	index    *dedup.Index
	hasher   *dedup.Hasher
	logger   *logger.Logger

	running atomic.Bool
	cron    *cron.Cron
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	last    *SweepReport
}

// NewReconciler 创建对账服务
func NewReconciler(cfg *config.Config, store MediaLookup, index *dedup.Index, hasher *dedup.Hasher, log *logger.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg.Reconciler,
		mediaDir: cfg.MediaRoot(),
		lockPath: filepath.Join(cfg.Storage.DataDir, "reconcile.lock"),
		store:    store,
		index:    index,
		hasher:   hasher,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动延迟首次对账和定时对账
func (r *Reconciler) Start() error {
	if !r.cfg.Enabled {
		r.logger.Info("对账服务未启用")
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.scheduledSweep); err != nil {
		return fmt.Errorf("添加对账计划失败: %w", err)
	}
	r.cron.Start()

	// 启动后延迟执行，避免与初始流量争抢
	r.timer = time.AfterFunc(r.cfg.StartupDelay, r.scheduledSweep)

	r.logger.Infof("对账服务已启动，首次延迟 %v，计划: %s", r.cfg.StartupDelay, r.cfg.Schedule)
	return nil
}

// Stop 停止对账服务并等待进行中的对账
func (r *Reconciler) Stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("对账服务已停止")
}

// LastReport 最近一次对账结果
func (r *Reconciler) LastReport() *SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) scheduledSweep() {
	r.wg.Add(1)
	defer r.wg.Done()

	if _, err := r.RunSweep(r.ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
		r.logger.Errorf("定时对账失败: %v", err)
	}
}

// RunSweep 执行一次对账，同一时间只允许一个对账
func (r *Reconciler) RunSweep(ctx context.Context) (*SweepReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrSweepRunning
	}
	defer r.running.Store(false)

	// 与同一数据目录下的其他进程互斥
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0755); err != nil {
		return nil, err
	}
	fl := flock.New(r.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("获取对账锁失败: %w", err)
	}
	if !locked {
		r.logger.Info("其他进程正在对账，跳过本次")
		return nil, ErrSweepRunning
	}
	defer fl.Unlock()

	started := time.Now()
	report := &SweepReport{}

	entries, err := os.ReadDir(r.mediaDir)
	if err != nil {
		if os.IsNotExist(err) {
			report.Duration = time.Since(started)
			r.remember(report)
			return report, nil
		}
		return nil, fmt.Errorf("读取媒体目录失败: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), model.DeletingSuffix) {
			continue
		}
		report.Scanned++
		r.reconcileItem(ctx, entry.Name(), report)
	}

	report.Duration = time.Since(started)
	r.remember(report)

	if report.Repaired > 0 || report.Conflicts > 0 || report.Errors > 0 {
		r.logger.Infof("🔍 对账完成: 扫描 %d，未变 %d，修复 %d，跳过 %d，冲突 %d，错误 %d，耗时 %v",
			report.Scanned, report.Unchanged, report.Repaired, report.Skipped, report.Conflicts, report.Errors, report.Duration.Round(time.Millisecond))
	} else {
		r.logger.Debugf("对账完成，%d 个目录均一致", report.Scanned)
	}
	return report, nil
}

func (r *Reconciler) remember(report *SweepReport) {
	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
}

// reconcileItem 检查单个媒体目录
func (r *Reconciler) reconcileItem(ctx context.Context, id string, report *SweepReport) {
	source, info, err := findSource(filepath.Join(r.mediaDir, id))
	if err != nil {
		r.logger.Warnf("读取媒体目录失败: %s, 错误: %v", id, err)
		report.Errors++
		return
	}
	if source == "" {
		// 没有完整源文件（可能仍在写入）
		report.Skipped++
		return
	}

	rec, err := r.store.GetMediaByID(ctx, id)
	switch {
	case err == nil:
		if rec.ContentHash != "" && rec.SizeBytes == info.Size() && rec.StoragePath == source {
			report.Unchanged++
			return
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		r.logger.Warnf("查询媒体记录失败: %s, 错误: %v", id, err)
		report.Errors++
		return
	}

	digest, size, err := r.hasher.ComputeFile(ctx, source)
	if err != nil {
		r.logger.Warnf("计算哈希失败: %s, 错误: %v", source, err)
		report.Errors++
		return
	}

	meta := dedup.Meta{DisplayName: filepath.Base(source), StoragePath: source, SizeBytes: size}
	if _, err := r.index.Upsert(ctx, id, digest, meta); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			r.logger.Warnf("对账冲突，保持原状: MediaID=%s, 错误: %v", id, err)
			report.Conflicts++
			return
		}
		r.logger.Errorf("修复媒体记录失败: MediaID=%s, 错误: %v", id, err)
		report.Errors++
		return
	}

	r.logger.Infof("🔧 已修复媒体记录: MediaID=%s, 文件=%s", id, source)
	report.Repaired++
}

// findSource 查找目录中的 source.* 文件，忽略未写完的 .part
func findSource(dir string) (string, os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "source") || strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", nil, err
		}
		if info.Size() == 0 {
			continue
		}
		return filepath.Join(dir, name), info, nil
	}
	return "", nil, nil
}
