package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/logger"
	"mediaflow/app/model"
	"mediaflow/app/progress"
	"mediaflow/app/taskqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

type fakeExtractor struct {
	frames int
	calls  atomic.Int32
}

func (f *fakeExtractor) ExtractArtifacts(ctx context.Context, mediaPath, outputDir string, interval int) ([]string, error) {
	f.calls.Add(1)
	if _, err := os.Stat(mediaPath); err != nil {
		return nil, err
	}
	var out []string
	for i := 1; i <= f.frames; i++ {
		p := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := os.WriteFile(p, []byte("jpg"), 0644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeProber struct{}

func (fakeProber) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return 50, nil
}

type fakeTranscriber struct {
	calls atomic.Int32
	fn    func() (*model.Transcript, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn()
	}
	return &model.Transcript{Segments: []model.Segment{
		{ID: 0, Start: 0, End: 4.5, Text: "hello there"},
		{ID: 1, Start: 4.5, End: 9, Text: "general kenobi"},
	}}, nil
}

type fakeAnalyzer struct {
	calls   atomic.Int32
	images  atomic.Int32
	content string
}

func (f *fakeAnalyzer) Complete(ctx context.Context, prompt string, images []string) (string, error) {
	f.calls.Add(1)
	f.images.Store(int32(len(images)))
	if f.content != "" {
		return f.content, nil
	}
	// 只返回英文字段，中文需要翻译补全
	return "```json\n" + `{
  "title": {"en": "A duel"},
  "summary": {"en": "Two people greet each other."},
  "tags": [{"en": "greeting"}, {"zh": "对话"}],
  "scenes": [{"timestamp": 0, "frame": "frame_0001.jpg", "description": {"en": "A hallway"}}]
}` + "\n```", nil
}

type fakeTranslator struct {
	fn func(texts []string, target language.Tag) ([]string, error)
}

func (f *fakeTranslator) Translate(ctx context.Context, texts []string, target language.Tag) ([]string, error) {
	if f.fn != nil {
		return f.fn(texts, target)
	}
	out := make([]string, len(texts))
	for i, s := range texts {
		out[i] = target.String() + ":" + s
	}
	return out, nil
}

type harness struct {
	orch        *Orchestrator
	store       *database.MediaStore
	queue       *taskqueue.Queue
	bus         *progress.Bus
	extractor   *fakeExtractor
	transcriber *fakeTranscriber
	analyzer    *fakeAnalyzer
	translator  *fakeTranslator
	dir         string
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewNop()

	db, err := database.Open(filepath.Join(dir, "pipeline.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store := database.NewMediaStore(db)
	hasher, err := dedup.NewHasher("sha256")
	require.NoError(t, err)

	h := &harness{
		store:       store,
		queue:       taskqueue.New(taskqueue.Options{Concurrency: concurrency}),
		bus:         progress.New(progress.Options{Buffer: 256}),
		extractor:   &fakeExtractor{frames: 5},
		transcriber: &fakeTranscriber{},
		analyzer:    &fakeAnalyzer{},
		translator:  &fakeTranslator{},
		dir:         dir,
	}

	h.orch, err = New(Deps{
		Queue:       h.queue,
		Bus:         h.bus,
		Index:       dedup.NewIndex(store, time.Minute, log),
		Hasher:      hasher,
		Store:       store,
		Extractor:   h.extractor,
		Prober:      fakeProber{},
		Transcriber: h.transcriber,
		Analyzer:    h.analyzer,
		Translator:  h.translator,
	}, Options{MediaDir: filepath.Join(dir, "media"), FrameInterval: 10, MaxAnalysisFrames: 3})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) writeMedia(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, "incoming", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func (h *harness) waitJob(t *testing.T, jobID string) *JobStatus {
	t.Helper()
	var st *JobStatus
	require.Eventually(t, func() bool {
		s, ok := h.orch.GetStatus(jobID)
		if !ok || !s.State.Terminal() {
			return false
		}
		st = s
		return true
	}, waitFor, tick)
	return st
}

// block 占满队列，返回释放函数
func (h *harness) block(t *testing.T) func() {
	t.Helper()
	gate := make(chan struct{})
	_, err := h.queue.Submit(func(ctx context.Context, report taskqueue.ProgressFunc) (any, error) {
		<-gate
		return nil, nil
	}, nil, 100)
	require.NoError(t, err)
	return func() { close(gate) }
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)

	sub, err := h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "clip.mp4", "video-bytes-1")}, SubmitOptions{})
	require.NoError(t, err)
	assert.False(t, sub.Duplicate)
	assert.Equal(t, model.Stages, sub.Stages)
	require.NotEmpty(t, sub.JobID)

	events := h.orch.Subscribe(sub.MediaID)
	defer events.Close()
	release()

	st := h.waitJob(t, sub.JobID)
	require.Equal(t, taskqueue.StatusCompleted, st.State, st.Error)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, sub.MediaID, st.MediaID)

	a, err := h.store.GetAnalysis(ctx, sub.MediaID)
	require.NoError(t, err)
	assert.True(t, a.Complete)
	assert.Equal(t, 5, a.ArtifactCount)
	assert.Equal(t, 2, a.SegmentCount)
	assert.Equal(t, "Two people greet each other.", a.SummaryEN)
	assert.Equal(t, "zh-Hans:Two people greet each other.", a.SummaryZH)
	assert.Equal(t, int32(3), h.analyzer.images.Load())

	var doc model.Document
	require.NoError(t, json.Unmarshal([]byte(a.Document), &doc))
	assert.Equal(t, "en:对话", doc.Analysis.Tags[1].EN)
	assert.Equal(t, "zh-Hans:A hallway", doc.Analysis.Scenes[0].Description.ZH)
	require.NotNil(t, doc.Analysis.Fallback)
	assert.Equal(t, 5, doc.Analysis.Fallback.Translated)

	rec, err := h.store.GetMediaByID(ctx, sub.MediaID)
	require.NoError(t, err)
	assert.FileExists(t, rec.StoragePath)
	assert.Equal(t, "clip.mp4", rec.DisplayName)

	// 事件按发布顺序到达
	var completed []model.Stage
	first := true
	timeout := time.After(waitFor)
	for len(completed) < len(model.Stages) {
		select {
		case ev := <-events.Events():
			if first {
				assert.Equal(t, progress.EventConnected, ev.Type)
				first = false
				continue
			}
			assert.Equal(t, sub.JobID, ev.Payload["jobId"])
			if ev.Type == progress.EventStageComplete {
				completed = append(completed, ev.Payload["stage"].(model.Stage))
			}
		case <-timeout:
			t.Fatalf("未收到全部阶段完成事件: %v", completed)
		}
	}
	assert.Equal(t, model.Stages, completed)
}

func TestOrchestrator_DuplicateContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)

	first, err := h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "a.mp4", "same-bytes")}, SubmitOptions{})
	require.NoError(t, err)
	h.waitJob(t, first.JobID)

	second, err := h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "b.mp4", "same-bytes"), DisplayName: "copy"}, SubmitOptions{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MediaID, second.MediaID)
	assert.Empty(t, second.JobID)
	assert.Empty(t, second.Stages)

	_, total, err := h.store.ListMedia(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int32(1), h.extractor.calls.Load())
}

func TestOrchestrator_ConcurrentIdenticalSubmissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	var wg sync.WaitGroup
	subs := make([]*Submission, 6)
	for i := range subs {
		p := h.writeMedia(t, fmt.Sprintf("dup-%d.mp4", i), "identical-payload")
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			s, err := h.orch.Submit(ctx, MediaRef{Path: p}, SubmitOptions{})
			if assert.NoError(t, err) {
				subs[i] = s
			}
		}(i, p)
	}
	wg.Wait()

	for _, s := range subs {
		require.NotNil(t, s)
		assert.Equal(t, subs[0].MediaID, s.MediaID)
		if s.JobID != "" {
			h.waitJob(t, s.JobID)
		}
	}

	_, total, err := h.store.ListMedia(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int32(1), h.extractor.calls.Load())
}

func TestOrchestrator_ResumeAfterFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	h.transcriber.fn = func() (*model.Transcript, error) {
		return nil, errors.New("speech service returned 503")
	}

	path := h.writeMedia(t, "resume.mp4", "resume-bytes")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)

	events := h.orch.Subscribe(sub.JobID)
	defer events.Close()

	st := h.waitJob(t, sub.JobID)
	assert.Equal(t, taskqueue.StatusFailed, st.State)
	assert.Equal(t, "speech service returned 503", st.Error)
	assert.Equal(t, model.StageTranscribe, st.Stage)

	run, err := h.store.LoadRun(ctx, sub.MediaID)
	require.NoError(t, err)
	assert.True(t, run.Done(model.StageExtract))
	assert.Equal(t, model.StageStatusFailed, run.Stages[model.StageTranscribe].Status)
	assert.Equal(t, model.StageStatusPending, run.Stages[model.StageAnalyze].Status)
	assert.Equal(t, int32(0), h.analyzer.calls.Load())

	// 修复后重新提交，只从转录开始执行
	h.transcriber.fn = nil
	again, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, sub.MediaID, again.MediaID)
	assert.Equal(t, []model.Stage{model.StageTranscribe, model.StageAnalyze, model.StagePersist}, again.Stages)

	st = h.waitJob(t, again.JobID)
	require.Equal(t, taskqueue.StatusCompleted, st.State, st.Error)
	assert.Equal(t, int32(1), h.extractor.calls.Load())
	assert.Equal(t, int32(2), h.transcriber.calls.Load())

	result, ok := h.queue.Status(again.JobID)
	require.True(t, ok)
	chain := result.Result.(*ChainResult)
	assert.Equal(t, []model.Stage{model.StageExtract}, chain.Skipped)
	assert.Equal(t, []model.Stage{model.StageTranscribe, model.StageAnalyze, model.StagePersist}, chain.Executed)
}

func TestOrchestrator_StageErrorEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)

	h.analyzer.content = "not json at all"
	sub, err := h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "bad.mp4", "bad-analysis")}, SubmitOptions{})
	require.NoError(t, err)

	events := h.orch.Subscribe(sub.MediaID)
	defer events.Close()
	release()

	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-events.Events():
			if ev.Type != progress.EventStageError {
				continue
			}
			assert.Equal(t, model.StageAnalyze, ev.Payload["stage"])
			assert.Equal(t, apperr.KindExternal, ev.Payload["kind"])
			st := h.waitJob(t, sub.JobID)
			assert.Equal(t, taskqueue.StatusFailed, st.State)
			return
		case <-timeout:
			t.Fatal("未收到 stage-error 事件")
		}
	}
}

func TestOrchestrator_TranslationFailureDuplicatesSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.translator.fn = func(texts []string, target language.Tag) ([]string, error) {
		return nil, errors.New("llm quota exceeded")
	}

	sub, err := h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "tr.mp4", "translate-bytes")}, SubmitOptions{})
	require.NoError(t, err)
	st := h.waitJob(t, sub.JobID)
	require.Equal(t, taskqueue.StatusCompleted, st.State, st.Error)

	a, err := h.store.GetAnalysis(ctx, sub.MediaID)
	require.NoError(t, err)
	assert.Equal(t, a.SummaryEN, a.SummaryZH)

	var doc model.Document
	require.NoError(t, json.Unmarshal([]byte(a.Document), &doc))
	assert.Equal(t, "对话", doc.Analysis.Tags[1].EN)
	assert.Equal(t, 0, doc.Analysis.Fallback.Translated)
	assert.Equal(t, 5, doc.Analysis.Fallback.Duplicated)
	assert.Equal(t, "llm quota exceeded", doc.Analysis.Fallback.Error)
}

func TestOrchestrator_InvalidateCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	path := h.writeMedia(t, "inv.mp4", "invalidate-bytes")

	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	h.waitJob(t, sub.JobID)

	again, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{Invalidate: []model.Stage{model.StageAnalyze}})
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageAnalyze, model.StagePersist}, again.Stages)
	h.waitJob(t, again.JobID)

	assert.Equal(t, int32(1), h.transcriber.calls.Load())
	assert.Equal(t, int32(2), h.analyzer.calls.Load())
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	_, err := h.orch.Submit(ctx, MediaRef{}, SubmitOptions{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.orch.Submit(ctx, MediaRef{Path: filepath.Join(h.dir, "missing.mp4")}, SubmitOptions{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "empty.mp4", "")}, SubmitOptions{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.orch.Submit(ctx, MediaRef{Path: h.writeMedia(t, "x.mp4", "x")}, SubmitOptions{Invalidate: []model.Stage{"render"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.Equal(t, 0, h.orch.Stats().Queued+h.orch.Stats().Running)
}

func TestOrchestrator_CancelAndJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)
	defer release()

	path := h.writeMedia(t, "c.mp4", "cancel-bytes")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)

	joined, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	assert.True(t, joined.Joined)
	assert.Equal(t, sub.JobID, joined.JobID)

	err = h.orch.DeleteMedia(ctx, sub.MediaID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.True(t, h.orch.Cancel(sub.JobID))
	assert.False(t, h.orch.Cancel(sub.JobID))
	_, active := h.orch.ActiveJob(sub.MediaID)
	assert.False(t, active)

	st, ok := h.orch.GetStatus(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, taskqueue.StatusCancelled, st.State)
	assert.Equal(t, int32(0), h.extractor.calls.Load())
}

func TestOrchestrator_CancelRemovesMovedSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)
	defer release()

	path := h.writeMedia(t, "upload.mp4", "moved-then-cancelled")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{Move: true})
	require.NoError(t, err)
	require.NotEmpty(t, sub.JobID)
	assert.FileExists(t, path)

	require.True(t, h.orch.Cancel(sub.JobID))
	assert.NoFileExists(t, path)
	assert.Equal(t, int32(0), h.extractor.calls.Load())
}

func TestOrchestrator_CancelKeepsCopiedSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)
	defer release()

	path := h.writeMedia(t, "keep.mp4", "copied-then-cancelled")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)

	require.True(t, h.orch.Cancel(sub.JobID))
	assert.FileExists(t, path)
}

func TestOrchestrator_ShutdownRemovesMovedSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)
	defer release()

	path := h.writeMedia(t, "pending.mp4", "moved-then-shutdown")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{Move: true})
	require.NoError(t, err)

	// 占位任务不结束，关闭会超时，但等待中的任务已被取消
	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, h.orch.Shutdown(sctx))

	st, ok := h.orch.GetStatus(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, taskqueue.StatusCancelled, st.State)
	assert.NoFileExists(t, path)
}

func TestOrchestrator_EarlyFailureRemovesMovedSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	release := h.block(t)

	path := h.writeMedia(t, "gone.mp4", "record-removed-before-run")
	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{Move: true})
	require.NoError(t, err)

	require.NoError(t, h.store.DeleteMedia(ctx, sub.MediaID))
	release()

	st := h.waitJob(t, sub.JobID)
	assert.Equal(t, taskqueue.StatusFailed, st.State)
	assert.NoFileExists(t, path)
	assert.Equal(t, int32(0), h.extractor.calls.Load())
}

func TestOrchestrator_ReexecutedStageRerunsDownstream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	path := h.writeMedia(t, "lost.mp4", "lost-extract-output")

	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	st := h.waitJob(t, sub.JobID)
	require.Equal(t, taskqueue.StatusCompleted, st.State, st.Error)

	// 抽帧仍标记为完成，但输出行丢失；持久化失败使媒体需要补跑
	require.NoError(t, h.store.DB().
		Where("media_id = ? AND stage = ?", sub.MediaID, model.StageExtract).
		Delete(&model.StageOutput{}).Error)
	require.NoError(t, h.store.MarkStageFailed(ctx, sub.MediaID, model.StagePersist, "disk full"))

	again, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StagePersist}, again.Stages)

	st = h.waitJob(t, again.JobID)
	require.Equal(t, taskqueue.StatusCompleted, st.State, st.Error)

	result, ok := h.queue.Status(again.JobID)
	require.True(t, ok)
	chain := result.Result.(*ChainResult)
	assert.Empty(t, chain.Skipped)
	assert.Equal(t, model.Stages, chain.Executed)
	assert.Equal(t, int32(2), h.extractor.calls.Load())
	assert.Equal(t, int32(2), h.transcriber.calls.Load())
	assert.Equal(t, int32(2), h.analyzer.calls.Load())
}

func TestOrchestrator_DeleteMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	path := h.writeMedia(t, "d.mp4", "delete-bytes")

	sub, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	h.waitJob(t, sub.JobID)

	detail, err := h.orch.GetMedia(ctx, sub.MediaID)
	require.NoError(t, err)
	require.NotNil(t, detail.Analysis)
	assert.True(t, detail.Run.Complete())

	require.NoError(t, h.orch.DeleteMedia(ctx, sub.MediaID))
	assert.NoDirExists(t, filepath.Join(h.dir, "media", sub.MediaID))
	assert.NoDirExists(t, filepath.Join(h.dir, "media", sub.MediaID+model.DeletingSuffix))
	_, err = h.orch.GetMedia(ctx, sub.MediaID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	again, err := h.orch.Submit(ctx, MediaRef{Path: path}, SubmitOptions{})
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.NotEqual(t, sub.MediaID, again.MediaID)
	h.waitJob(t, again.JobID)
}

func TestSampleFrames(t *testing.T) {
	frames := []string{"1", "2", "3", "4", "5", "6"}
	assert.Equal(t, []string{"1", "3", "5"}, sampleFrames(frames, 3))
	assert.Equal(t, frames, sampleFrames(frames, 10))
}
