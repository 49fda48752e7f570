package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/logger"
	"mediaflow/app/model"
	"mediaflow/app/progress"
	"mediaflow/app/taskqueue"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Deps 编排器依赖
type Deps struct {
	Queue       *taskqueue.Queue
	Bus         *progress.Bus
	Index       *dedup.Index
	Hasher      *dedup.Hasher
	Store       Store
	Extractor   Extractor
	Prober      Prober
	Transcriber Transcriber // 为空时跳过语音转录
	Analyzer    Analyzer
	Translator  Translator // 为空时直接复制原文
}

// Options 编排器参数
type Options struct {
	MediaDir          string
	FrameInterval     int
	MaxAnalysisFrames int
	Logger            *logger.Logger
}

// MediaRef 待处理的媒体文件
type MediaRef struct {
	Path        string `json:"path"`
	DisplayName string `json:"displayName"`
}

// SubmitOptions 提交参数
type SubmitOptions struct {
	Priority   int           `json:"priority"`
	Invalidate []model.Stage `json:"invalidate"` // 强制重跑的阶段，其后续阶段一并重跑
	Move       bool          `json:"move"`       // 将源文件移动到媒体目录而不是复制
}

// Submission 提交结果
type Submission struct {
	JobID     string        `json:"jobId,omitempty"` // 没有缺失阶段时为空
	MediaID   string        `json:"mediaId"`
	Duplicate bool          `json:"duplicate"`
	Joined    bool          `json:"joined,omitempty"` // 合并到正在进行的任务
	Stages    []model.Stage `json:"stages"`
}

// JobStatus 任务状态
type JobStatus struct {
	JobID       string           `json:"jobId"`
	MediaID     string           `json:"mediaId"`
	State       taskqueue.Status `json:"state"`
	Progress    int              `json:"progress"`
	Stage       model.Stage      `json:"stage,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// MediaDetail 媒体记录及其阶段状态
type MediaDetail struct {
	Record   *model.MediaRecord   `json:"record"`
	Run      *model.PipelineRun   `json:"run"`
	Analysis *model.MediaAnalysis `json:"analysis,omitempty"`
	JobID    string               `json:"jobId,omitempty"`
}

// Orchestrator 按固定顺序执行 抽帧 -> 转录 -> 分析 -> 持久化
type Orchestrator struct {
	deps   Deps
	opts   Options
	log    *logger.Logger
	mu     sync.Mutex
	active map[string]*chainJob // mediaID -> job
}

// New 创建编排器
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Bus == nil || deps.Index == nil || deps.Hasher == nil || deps.Store == nil {
		return nil, errors.New("编排器缺少必需的依赖")
	}
	if deps.Extractor == nil || deps.Prober == nil || deps.Analyzer == nil {
		return nil, errors.New("编排器缺少抽帧或分析服务")
	}
	if opts.MediaDir == "" {
		return nil, errors.New("媒体目录未设置")
	}
	if opts.FrameInterval < 1 {
		opts.FrameInterval = 10
	}
	if opts.MaxAnalysisFrames < 1 {
		opts.MaxAnalysisFrames = 8
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    opts.Logger,
		active: make(map[string]*chainJob),
	}, nil
}

// Submit 校验并哈希媒体，只为缺失的阶段安排任务
func (o *Orchestrator) Submit(ctx context.Context, ref MediaRef, opts SubmitOptions) (*Submission, error) {
	info, err := validateRef(ref, opts)
	if err != nil {
		return nil, err
	}

	displayName := ref.DisplayName
	if strings.TrimSpace(displayName) == "" {
		displayName = filepath.Base(ref.Path)
	}
	displayName = norm.NFC.String(displayName)

	started := time.Now()
	digest, size, err := o.deps.Hasher.ComputeFile(ctx, ref.Path)
	if err != nil {
		return nil, apperr.TransientIO("hash", err)
	}
	o.log.Debugf("内容哈希完成: %s, 大小: %s, 耗时: %v", displayName, humanize.Bytes(uint64(size)), time.Since(started).Round(time.Millisecond))

	rec, created, err := o.deps.Index.Resolve(ctx, digest, func() *model.MediaRecord {
		id := uuid.NewString()
		return &model.MediaRecord{
			ID:          id,
			DisplayName: displayName,
			StoragePath: filepath.Join(o.opts.MediaDir, id, "source"+strings.ToLower(filepath.Ext(info.Name()))),
			SizeBytes:   size,
			CreatedAt:   time.Now(),
		}
	})
	if err != nil {
		return nil, err
	}

	if err := o.deps.Store.EnsureRun(ctx, rec.ID); err != nil {
		return nil, apperr.TransientIO("ensure run", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if running, ok := o.active[rec.ID]; ok {
		o.log.Infof("媒体已有进行中的任务，合并提交: MediaID=%s, JobID=%s", rec.ID, running.id)
		return &Submission{JobID: running.id, MediaID: rec.ID, Duplicate: !created, Joined: true}, nil
	}

	if len(opts.Invalidate) > 0 {
		stages := cascade(opts.Invalidate)
		if err := o.deps.Store.InvalidateStages(ctx, rec.ID, stages); err != nil {
			return nil, apperr.TransientIO("invalidate", err)
		}
		o.log.Infof("已重置阶段: MediaID=%s, 阶段=%v", rec.ID, stages)
	}

	run, err := o.deps.Store.LoadRun(ctx, rec.ID)
	if err != nil {
		return nil, apperr.TransientIO("load run", err)
	}
	missing := run.Missing()
	if len(missing) == 0 {
		o.log.Infof("♻️ 内容已存在且全部阶段已完成: MediaID=%s, 名称=%s", rec.ID, rec.DisplayName)
		return &Submission{MediaID: rec.ID, Duplicate: !created, Stages: []model.Stage{}}, nil
	}

	job := &chainJob{
		mediaID: rec.ID,
		srcPath: ref.Path,
		dstPath: rec.StoragePath,
		move:    opts.Move,
		ready:   make(chan struct{}),
	}
	metadata := map[string]any{
		"mediaId":     rec.ID,
		"displayName": rec.DisplayName,
		"stages":      missing,
	}
	jobID, err := o.deps.Queue.Submit(func(ctx context.Context, report taskqueue.ProgressFunc) (any, error) {
		return o.runChain(ctx, job, report)
	}, metadata, opts.Priority)
	if err != nil {
		return nil, err
	}
	job.id = jobID
	close(job.ready)
	o.active[rec.ID] = job

	if created {
		o.log.Infof("📥 新媒体已提交: MediaID=%s, 名称=%s, JobID=%s", rec.ID, rec.DisplayName, jobID)
	} else {
		o.log.Infof("♻️ 重复内容，仅补跑缺失阶段: MediaID=%s, 阶段=%v, JobID=%s", rec.ID, missing, jobID)
	}

	return &Submission{JobID: jobID, MediaID: rec.ID, Duplicate: !created, Stages: missing}, nil
}

func validateRef(ref MediaRef, opts SubmitOptions) (os.FileInfo, error) {
	if strings.TrimSpace(ref.Path) == "" {
		return nil, apperr.Validation("submit", "媒体路径不能为空")
	}
	for _, st := range opts.Invalidate {
		if st.Index() < 0 {
			return nil, apperr.Validation("submit", "未知阶段: %s", st)
		}
	}

	info, err := os.Stat(ref.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Validation("submit", "媒体文件不存在: %s", ref.Path)
		}
		return nil, apperr.TransientIO("stat", err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperr.Validation("submit", "不是普通文件: %s", ref.Path)
	}
	if info.Size() == 0 {
		return nil, apperr.Validation("submit", "媒体文件为空: %s", ref.Path)
	}
	return info, nil
}

// cascade 返回最早被重置阶段及其后的全部阶段
func cascade(stages []model.Stage) []model.Stage {
	first := len(model.Stages)
	for _, st := range stages {
		if i := st.Index(); i >= 0 && i < first {
			first = i
		}
	}
	if first == len(model.Stages) {
		return nil
	}
	return append([]model.Stage(nil), model.Stages[first:]...)
}

// release 任务结束后释放媒体占用
func (o *Orchestrator) release(mediaID, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.active[mediaID]; ok && job.id == jobID {
		delete(o.active, mediaID)
	}
}

// ActiveJob 返回媒体正在进行的任务
func (o *Orchestrator) ActiveJob(mediaID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.active[mediaID]
	if !ok {
		return "", false
	}
	return job.id, true
}

// GetStatus 查询任务状态
func (o *Orchestrator) GetStatus(jobID string) (*JobStatus, bool) {
	task, ok := o.deps.Queue.Status(jobID)
	if !ok {
		return nil, false
	}
	return toJobStatus(task), true
}

// ListJobs 列出全部可查询的任务
func (o *Orchestrator) ListJobs() []*JobStatus {
	tasks := o.deps.Queue.List()
	list := make([]*JobStatus, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, toJobStatus(t))
	}
	return list
}

func toJobStatus(task taskqueue.Task) *JobStatus {
	mediaID, _ := task.Metadata["mediaId"].(string)
	return &JobStatus{
		JobID:       task.ID,
		MediaID:     mediaID,
		State:       task.Status,
		Progress:    task.Progress,
		Stage:       model.Stage(task.Message),
		Error:       task.Error,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
}

// Cancel 取消尚未开始的任务，移交的源文件一并删除
func (o *Orchestrator) Cancel(jobID string) bool {
	task, ok := o.deps.Queue.Status(jobID)
	if !ok || !o.deps.Queue.Cancel(jobID) {
		return false
	}
	if mediaID, _ := task.Metadata["mediaId"].(string); mediaID != "" {
		o.mu.Lock()
		job, ok := o.active[mediaID]
		owned := ok && job.id == jobID
		if owned {
			delete(o.active, mediaID)
		}
		o.mu.Unlock()
		if owned {
			o.discardSource(job)
		}
	}
	o.log.Infof("任务已取消: JobID=%s", jobID)
	return true
}

// Subscribe 订阅媒体或任务的进度事件
func (o *Orchestrator) Subscribe(subject string) *progress.Subscription {
	return o.deps.Bus.Subscribe(subject)
}

// SetConcurrency 调整同时运行的处理链数量
func (o *Orchestrator) SetConcurrency(n int) error {
	return o.deps.Queue.SetConcurrency(n)
}

// Stats 队列计数
func (o *Orchestrator) Stats() taskqueue.Stats {
	return o.deps.Queue.Stats()
}

// GetMedia 返回媒体记录、阶段状态和最终文档
func (o *Orchestrator) GetMedia(ctx context.Context, id string) (*MediaDetail, error) {
	rec, err := o.deps.Store.GetMediaByID(ctx, id)
	if err != nil {
		return nil, err
	}
	run, err := o.deps.Store.LoadRun(ctx, id)
	if err != nil {
		return nil, apperr.TransientIO("load run", err)
	}

	detail := &MediaDetail{Record: rec, Run: run}
	if a, err := o.deps.Store.GetAnalysis(ctx, id); err == nil {
		detail.Analysis = a
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, apperr.TransientIO("get analysis", err)
	}
	detail.JobID, _ = o.ActiveJob(id)
	return detail, nil
}

// ListMedia 分页列出媒体
func (o *Orchestrator) ListMedia(ctx context.Context, offset, limit int) ([]model.MediaRecord, int64, error) {
	return o.deps.Store.ListMedia(ctx, offset, limit)
}

// DeleteMedia 删除媒体记录和磁盘产物，处理中的媒体不能删除
func (o *Orchestrator) DeleteMedia(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if job, ok := o.active[id]; ok {
		return apperr.Validation("delete media", "媒体正在处理中: JobID=%s", job.id)
	}

	rec, err := o.deps.Store.GetMediaByID(ctx, id)
	if err != nil {
		return err
	}

	// 先把目录移出对账范围，再删除记录
	dir := o.itemDir(id)
	trash := dir + model.DeletingSuffix
	_ = os.RemoveAll(trash)
	if err := os.Rename(dir, trash); err != nil && !os.IsNotExist(err) {
		return apperr.TransientIO("remove artifacts", err)
	}
	if err := o.deps.Store.DeleteMedia(ctx, id); err != nil {
		if _, statErr := os.Stat(trash); statErr == nil {
			_ = os.Rename(trash, dir)
		}
		return err
	}
	o.deps.Index.Forget(rec.ContentHash)

	if err := os.RemoveAll(trash); err != nil {
		return apperr.TransientIO("remove artifacts", err)
	}
	o.log.Infof("🗑️ 媒体已删除: MediaID=%s, 名称=%s", id, rec.DisplayName)
	return nil
}

// Shutdown 停止接收任务并等待运行中的处理链
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	jobs := make([]*chainJob, 0, len(o.active))
	for _, job := range o.active {
		jobs = append(jobs, job)
	}
	o.mu.Unlock()

	err := o.deps.Queue.Shutdown(ctx)

	// 未开始就被取消的任务不会再落盘源文件
	for _, job := range jobs {
		if task, ok := o.deps.Queue.Status(job.id); ok && task.Status == taskqueue.StatusCancelled {
			o.discardSource(job)
		}
	}

	o.mu.Lock()
	o.active = make(map[string]*chainJob)
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("等待任务结束超时: %w", err)
	}
	return nil
}

func (o *Orchestrator) itemDir(mediaID string) string {
	return filepath.Join(o.opts.MediaDir, mediaID)
}
