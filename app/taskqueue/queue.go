package taskqueue

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/logger"

	"github.com/lithammer/shortuuid/v4"
)

const (
	// DefaultConcurrency 默认并发数
	DefaultConcurrency = 3
	// DefaultMaxArchived 默认保留的已结束任务数
	DefaultMaxArchived = 500
)

// Options 队列参数
type Options struct {
	Concurrency int
	MaxArchived int
	Logger      *logger.Logger
}

// Queue 按优先级排序、限制并发的内存任务队列
type Queue struct {
	mu          sync.Mutex
	pending     []*Task          // 按优先级降序，同优先级按提交顺序
	running     map[string]*Task // 正在执行
	tasks       map[string]*Task // 全部可查询的任务
	archive     []string         // 已结束任务 ID，先进先出
	concurrency int
	maxArchived int
	seq         uint64
	closed      bool

	completed int
	failed    int
	cancelled int

	baseCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	log        *logger.Logger
}

// New 创建任务队列
func New(opts Options) *Queue {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxArchived <= 0 {
		opts.MaxArchived = DefaultMaxArchived
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		running:     make(map[string]*Task),
		tasks:       make(map[string]*Task),
		concurrency: opts.Concurrency,
		maxArchived: opts.MaxArchived,
		baseCtx:     ctx,
		cancelWork:  cancel,
		log:         opts.Logger,
	}
}

// Submit 提交任务，返回任务 ID
func (q *Queue) Submit(work Work, metadata map[string]any, priority int) (string, error) {
	if work == nil {
		return "", apperr.Validation("submit", "任务执行函数不能为空")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", apperr.Validation("submit", "任务队列已关闭")
	}

	id := shortuuid.New()
	for q.tasks[id] != nil {
		id = shortuuid.New()
	}

	q.seq++
	t := &Task{
		ID:        id,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Metadata:  metadata,
		seq:       q.seq,
		work:      work,
	}

	// 插入到第一个优先级更低的任务之前
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < priority
	})
	q.pending = slices.Insert(q.pending, idx, t)
	q.tasks[id] = t

	q.log.Debugf("任务已加入队列: TaskID=%s, 优先级=%d, 排队位置=%d", id, priority, idx)

	q.schedule()
	return id, nil
}

// schedule 有空闲槽位时启动队首任务，调用方需持有锁
func (q *Queue) schedule() {
	for !q.closed && len(q.running) < q.concurrency && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		now := time.Now()
		t.Status = StatusRunning
		t.StartedAt = &now
		q.running[t.ID] = t

		q.wg.Add(1)
		go q.execute(t)
	}
}

// execute 执行任务并记录结果
func (q *Queue) execute(t *Task) {
	defer q.wg.Done()

	q.log.Infof("▶️ 开始执行任务: TaskID=%s", t.ID)
	result, err := q.invoke(t)

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, t.ID)
	now := time.Now()
	t.CompletedAt = &now
	t.work = nil

	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
		q.failed++
		q.log.Errorf("❌ 任务执行失败: TaskID=%s, 错误: %v", t.ID, err)
	} else {
		t.Status = StatusCompleted
		t.Progress = 100
		t.Result = result
		q.completed++
		q.log.Infof("✅ 任务执行完成: TaskID=%s, 耗时: %v", t.ID, now.Sub(*t.StartedAt).Round(time.Millisecond))
	}

	q.archiveLocked(t)
	q.schedule()
}

// invoke 调用执行函数，panic 视为失败
func (q *Queue) invoke(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务执行发生 panic: %v", r)
		}
	}()

	report := func(percent int, message string) {
		percent = min(max(percent, 0), 100)
		q.mu.Lock()
		defer q.mu.Unlock()
		if t.Status == StatusRunning {
			t.Progress = percent
			t.Message = message
		}
	}

	return t.work(q.baseCtx, report)
}

// archiveLocked 记录已结束任务，超出上限时淘汰最早的
func (q *Queue) archiveLocked(t *Task) {
	q.archive = append(q.archive, t.ID)
	for len(q.archive) > q.maxArchived {
		delete(q.tasks, q.archive[0])
		q.archive = q.archive[1:]
	}
}

// Status 查询任务
func (q *Queue) Status(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Cancel 取消等待中的任务，运行中或已结束的任务返回 false
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != StatusPending {
		return false
	}

	q.cancelLocked(t)
	q.log.Infof("任务已取消: TaskID=%s", id)
	return true
}

func (q *Queue) cancelLocked(t *Task) {
	q.pending = slices.DeleteFunc(q.pending, func(p *Task) bool { return p == t })

	now := time.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.work = nil
	q.cancelled++
	q.archiveLocked(t)
}

// SetConcurrency 调整并发上限，增大时立即调度
func (q *Queue) SetConcurrency(n int) error {
	if n < 1 {
		return apperr.Validation("set concurrency", "并发数必须大于 0，当前: %d", n)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	old := q.concurrency
	q.concurrency = n
	if n > old {
		q.schedule()
	}
	q.log.Infof("队列并发数已调整: %d -> %d", old, n)
	return nil
}

// Concurrency 当前并发上限
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// Stats 返回队列计数
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:      len(q.pending),
		Running:     len(q.running),
		Completed:   q.completed,
		Failed:      q.failed,
		Cancelled:   q.cancelled,
		Concurrency: q.concurrency,
	}
}

// List 返回全部可查询任务，最新提交的在前
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		list = append(list, t.snapshot())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].seq > list[j].seq
	})
	return list
}

// Shutdown 取消等待中的任务并等待运行中的任务结束
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for len(q.pending) > 0 {
		q.cancelLocked(q.pending[0])
	}
	running := len(q.running)
	q.mu.Unlock()

	q.log.Infof("任务队列正在关闭，等待 %d 个运行中的任务", running)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelWork()
		q.log.Info("任务队列已停止")
		return nil
	case <-ctx.Done():
		// 超时后通知运行中的任务尽快退出
		q.cancelWork()
		return ctx.Err()
	}
}
