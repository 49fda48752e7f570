package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediaflow/app/apperr"
	"mediaflow/app/model"
	"mediaflow/app/utils/llmjson"
)

// extract 按间隔抽帧并读取时长
func (o *Orchestrator) extract(ctx context.Context, rec *model.MediaRecord, report stageReport) (*model.ExtractOutput, error) {
	dir := filepath.Join(o.itemDir(rec.ID), "frames")
	// 上次失败可能留下部分帧
	if err := os.RemoveAll(dir); err != nil {
		return nil, apperr.TransientIO("clean frames", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.TransientIO("create frames dir", err)
	}

	frames, err := o.deps.Extractor.ExtractArtifacts(ctx, rec.StoragePath, dir, o.opts.FrameInterval)
	if err != nil {
		return nil, apperr.External("extract", err)
	}
	report(70, fmt.Sprintf("已抽取 %d 帧", len(frames)))

	duration, err := o.deps.Prober.ProbeDuration(ctx, rec.StoragePath)
	if err != nil {
		return nil, apperr.External("probe", err)
	}

	out := &model.ExtractOutput{Duration: duration, Interval: o.opts.FrameInterval, Frames: make([]string, 0, len(frames))}
	for _, f := range frames {
		rel, err := filepath.Rel(o.itemDir(rec.ID), f)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = f
		}
		out.Frames = append(out.Frames, filepath.ToSlash(rel))
	}
	report(100, "抽帧完成")
	return out, nil
}

// transcribe 语音转录，没有配置语音服务时输出空转录
func (o *Orchestrator) transcribe(ctx context.Context, state *chainState, report stageReport) (*model.Transcript, error) {
	if o.deps.Transcriber == nil {
		report(100, "未配置语音服务，跳过转录")
		return &model.Transcript{Segments: []model.Segment{}, Duration: o.duration(state), Skipped: true}, nil
	}

	input := state.record.StoragePath
	if ax, ok := o.deps.Extractor.(AudioExtractor); ok {
		audio := filepath.Join(o.itemDir(state.record.ID), "audio.wav")
		if err := ax.ExtractAudio(ctx, state.record.StoragePath, audio); err != nil {
			return nil, apperr.External("extract audio", err)
		}
		defer os.Remove(audio)
		input = audio
		report(20, "音轨已抽取")
	}

	transcript, err := o.deps.Transcriber.Transcribe(ctx, input)
	if err != nil {
		return nil, apperr.External("transcribe", err)
	}
	if transcript.Segments == nil {
		transcript.Segments = []model.Segment{}
	}
	if transcript.Duration == 0 {
		transcript.Duration = o.duration(state)
	}
	report(100, fmt.Sprintf("转录完成，共 %d 段", len(transcript.Segments)))
	return transcript, nil
}

func (o *Orchestrator) duration(state *chainState) float64 {
	if state.extract != nil {
		return state.extract.Duration
	}
	return 0
}

// analyze 调用语言模型生成双语结构化摘要，单语字段通过翻译补全
func (o *Orchestrator) analyze(ctx context.Context, state *chainState, report stageReport) (*model.Analysis, error) {
	if state.extract == nil {
		return nil, apperr.Validation("analyze", "缺少抽帧输出")
	}

	frames := sampleFrames(state.extract.Frames, o.opts.MaxAnalysisFrames)
	images := make([]string, 0, len(frames))
	for _, f := range frames {
		images = append(images, filepath.Join(o.itemDir(state.record.ID), filepath.FromSlash(f)))
	}

	prompt := buildPrompt(state.record.DisplayName, state.extract, state.transcript, frames)
	report(10, fmt.Sprintf("发送 %d 帧到模型", len(images)))

	raw, err := o.deps.Analyzer.Complete(ctx, prompt, images)
	if err != nil {
		return nil, apperr.External("analyze", err)
	}

	var analysis model.Analysis
	if err := llmjson.Decode(raw, &analysis); err != nil {
		return nil, apperr.External("analyze", fmt.Errorf("模型返回内容无法解析: %w", err))
	}
	if analysis.Tags == nil {
		analysis.Tags = []model.Bilingual{}
	}
	if analysis.Scenes == nil {
		analysis.Scenes = []model.Scene{}
	}
	report(70, "模型分析完成")

	fb := o.backfill(ctx, &analysis)
	if fb != nil {
		analysis.Fallback = fb
		o.log.Infof("翻译补全: MediaID=%s, 翻译=%d, 复制原文=%d", state.record.ID, fb.Translated, fb.Duplicated)
	}
	report(100, "分析完成")
	return &analysis, nil
}

// persist 一次事务写入最终文档
func (o *Orchestrator) persist(ctx context.Context, state *chainState, report stageReport) error {
	if state.extract == nil || state.analysis == nil {
		return apperr.Validation("persist", "缺少前序阶段输出")
	}
	transcript := state.transcript
	if transcript == nil {
		transcript = &model.Transcript{Segments: []model.Segment{}}
	}

	doc := model.Document{
		Media:      *state.record,
		Extract:    *state.extract,
		Transcript: *transcript,
		Analysis:   *state.analysis,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("序列化文档失败: %w", err)
	}
	report(50, "写入文档")

	title := state.analysis.Title.EN
	if title == "" {
		title = state.analysis.Title.ZH
	}
	if title == "" {
		title = state.record.DisplayName
	}

	analysis := &model.MediaAnalysis{
		MediaID:       state.record.ID,
		Duration:      state.extract.Duration,
		ArtifactCount: len(state.extract.Frames),
		SegmentCount:  len(transcript.Segments),
		Title:         title,
		SummaryEN:     state.analysis.Summary.EN,
		SummaryZH:     state.analysis.Summary.ZH,
		Document:      string(data),
	}
	if err := o.deps.Store.SaveAnalysisDocument(ctx, analysis); err != nil {
		return apperr.TransientIO("persist", err)
	}
	report(100, "持久化完成")
	return nil
}

// sampleFrames 均匀选取最多 n 帧
func sampleFrames(frames []string, n int) []string {
	if len(frames) <= n {
		return frames
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, frames[i*len(frames)/n])
	}
	return out
}
