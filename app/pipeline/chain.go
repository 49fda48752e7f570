package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/database"
	"mediaflow/app/model"
	"mediaflow/app/progress"
	"mediaflow/app/taskqueue"
)

// chainJob 一次处理链的执行参数
type chainJob struct {
	id      string
	mediaID string
	srcPath string
	dstPath string
	move    bool
	ready   chan struct{} // 任务 ID 确定后关闭
}

// chainState 各阶段累积的输出
type chainState struct {
	record     *model.MediaRecord
	extract    *model.ExtractOutput
	transcript *model.Transcript
	analysis   *model.Analysis
}

// ChainResult 处理链完成后写入任务结果
type ChainResult struct {
	MediaID  string        `json:"mediaId"`
	Executed []model.Stage `json:"executed"`
	Skipped  []model.Stage `json:"skipped"`
}

type stageReport func(percent int, message string)

func (o *Orchestrator) runChain(ctx context.Context, job *chainJob, report taskqueue.ProgressFunc) (any, error) {
	<-job.ready
	defer o.release(job.mediaID, job.id)

	sourced := false
	defer func() {
		if !sourced {
			o.discardSource(job)
		}
	}()

	result := &ChainResult{MediaID: job.mediaID}
	state := &chainState{}

	rec, err := o.deps.Store.GetMediaByID(ctx, job.mediaID)
	if err != nil {
		return nil, o.fail(ctx, job, model.StageExtract, apperr.TransientIO("load media", err))
	}
	state.record = rec

	run, err := o.deps.Store.LoadRun(ctx, job.mediaID)
	if err != nil {
		return nil, o.fail(ctx, job, model.StageExtract, apperr.TransientIO("load run", err))
	}

	total := len(model.Stages)
	for i, stage := range model.Stages {
		// 一旦有阶段重新执行，之后的阶段都必须基于新输出重跑
		if len(result.Executed) == 0 && run.Done(stage) {
			if err := o.loadOutput(ctx, job.mediaID, stage, state); err == nil {
				result.Skipped = append(result.Skipped, stage)
				report((i+1)*100/total, string(stage))
				o.publish(job, progress.EventStageComplete, map[string]any{"stage": stage, "skipped": true})
				continue
			} else if !errors.Is(err, database.ErrNotFound) {
				return nil, o.fail(ctx, job, stage, apperr.TransientIO("load output", err))
			}
			o.log.Warnf("阶段已标记完成但输出缺失，重新执行: MediaID=%s, 阶段=%s", job.mediaID, stage)
		}

		// 源文件只有需要执行阶段时才落盘
		if !sourced {
			sourced = true
			if err := o.ensureSource(job, rec); err != nil {
				return nil, o.fail(ctx, job, stage, err)
			}
		}

		if err := o.deps.Store.MarkStageRunning(ctx, job.mediaID, stage); err != nil {
			return nil, o.fail(ctx, job, stage, apperr.TransientIO("mark running", err))
		}

		base := i * 100 / total
		sr := func(percent int, message string) {
			percent = min(max(percent, 0), 100)
			report(base+percent/total, string(stage))
			o.publish(job, progress.EventProgress, map[string]any{
				"stage":   stage,
				"percent": percent,
				"message": message,
			})
		}
		sr(0, "开始")

		started := time.Now()
		if err := o.runStage(ctx, stage, job, state, sr); err != nil {
			return nil, o.fail(ctx, job, stage, err)
		}

		result.Executed = append(result.Executed, stage)
		report((i+1)*100/total, string(stage))
		o.publish(job, progress.EventStageComplete, map[string]any{"stage": stage, "skipped": false})
		o.log.Infof("✅ 阶段完成: MediaID=%s, 阶段=%s, 耗时: %v", job.mediaID, stage, time.Since(started).Round(time.Millisecond))
	}

	o.log.Infof("🎉 处理链完成: MediaID=%s, 执行=%v, 跳过=%v", job.mediaID, result.Executed, result.Skipped)
	return result, nil
}

// fail 记录阶段失败并通知订阅者，返回原错误
func (o *Orchestrator) fail(ctx context.Context, job *chainJob, stage model.Stage, err error) error {
	if stage == "" {
		stage = model.StageExtract
	}
	if markErr := o.deps.Store.MarkStageFailed(context.WithoutCancel(ctx), job.mediaID, stage, err.Error()); markErr != nil {
		o.log.Errorf("记录阶段失败状态出错: MediaID=%s, 阶段=%s, 错误: %v", job.mediaID, stage, markErr)
	}

	kind := apperr.KindOf(err)
	o.publish(job, progress.EventStageError, map[string]any{
		"stage": stage,
		"error": err.Error(),
		"kind":  kind,
	})
	o.log.Errorf("❌ 阶段失败，终止后续阶段: MediaID=%s, 阶段=%s, 类型=%s, 错误: %v", job.mediaID, stage, kind, err)
	return err
}

// publish 同时推送到媒体主题和任务主题
func (o *Orchestrator) publish(job *chainJob, eventType progress.EventType, payload map[string]any) {
	payload["mediaId"] = job.mediaID
	payload["jobId"] = job.id
	o.deps.Bus.Publish(job.mediaID, eventType, payload)
	o.deps.Bus.Publish(job.id, eventType, payload)
}

func (o *Orchestrator) runStage(ctx context.Context, stage model.Stage, job *chainJob, state *chainState, report stageReport) error {
	var (
		out any
		err error
	)
	switch stage {
	case model.StageExtract:
		state.extract, err = o.extract(ctx, state.record, report)
		out = state.extract
	case model.StageTranscribe:
		state.transcript, err = o.transcribe(ctx, state, report)
		out = state.transcript
	case model.StageAnalyze:
		state.analysis, err = o.analyze(ctx, state, report)
		out = state.analysis
	case model.StagePersist:
		return o.persist(ctx, state, report)
	default:
		return apperr.Validation("run stage", "未知阶段: %s", stage)
	}
	if err != nil {
		return err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("序列化阶段输出失败: %w", err)
	}
	if err := o.deps.Store.SaveStageOutput(ctx, job.mediaID, stage, data); err != nil {
		return apperr.TransientIO("save output", err)
	}
	return nil
}

// loadOutput 读取已完成阶段的输出，供后续阶段使用
func (o *Orchestrator) loadOutput(ctx context.Context, mediaID string, stage model.Stage, state *chainState) error {
	if stage == model.StagePersist {
		_, err := o.deps.Store.GetAnalysis(ctx, mediaID)
		return err
	}

	data, err := o.deps.Store.LoadStageOutput(ctx, mediaID, stage)
	if err != nil {
		return err
	}

	switch stage {
	case model.StageExtract:
		state.extract = &model.ExtractOutput{}
		return json.Unmarshal(data, state.extract)
	case model.StageTranscribe:
		state.transcript = &model.Transcript{}
		return json.Unmarshal(data, state.transcript)
	case model.StageAnalyze:
		state.analysis = &model.Analysis{}
		return json.Unmarshal(data, state.analysis)
	}
	return nil
}

// ensureSource 确保媒体目录中有完整的源文件
func (o *Orchestrator) ensureSource(job *chainJob, rec *model.MediaRecord) error {
	if info, err := os.Stat(rec.StoragePath); err == nil && info.Size() == rec.SizeBytes {
		if job.move && job.srcPath != rec.StoragePath {
			_ = os.Remove(job.srcPath)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(rec.StoragePath), 0755); err != nil {
		return apperr.TransientIO("create media dir", err)
	}

	if job.move {
		if err := os.Rename(job.srcPath, rec.StoragePath); err == nil {
			return nil
		}
		// 跨设备时退回复制
	}

	part := rec.StoragePath + ".part"
	if err := copyFile(job.srcPath, part); err != nil {
		_ = os.Remove(part)
		return apperr.TransientIO("copy source", err)
	}
	if err := os.Rename(part, rec.StoragePath); err != nil {
		_ = os.Remove(part)
		return apperr.TransientIO("rename source", err)
	}
	if job.move {
		_ = os.Remove(job.srcPath)
	}
	return nil
}

// discardSource 删除未落盘就结束的任务移交的源文件
func (o *Orchestrator) discardSource(job *chainJob) {
	if !job.move || job.srcPath == "" || job.srcPath == job.dstPath {
		return
	}
	if err := os.Remove(job.srcPath); err != nil {
		if !os.IsNotExist(err) {
			o.log.Warnf("删除源文件失败: %s, 错误: %v", job.srcPath, err)
		}
		return
	}
	o.log.Infof("任务未执行，已删除移交的源文件: MediaID=%s, 路径=%s", job.mediaID, job.srcPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
