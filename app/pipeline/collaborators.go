package pipeline

import (
	"context"

	"mediaflow/app/model"

	"golang.org/x/text/language"
)

// Extractor 从媒体文件按间隔抽取画面
type Extractor interface {
	ExtractArtifacts(ctx context.Context, mediaPath, outputDir string, intervalSeconds int) ([]string, error)
}

// AudioExtractor 可选能力：先抽出音轨再转录
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, mediaPath, outputPath string) error
}

// Prober 读取媒体时长
type Prober interface {
	ProbeDuration(ctx context.Context, mediaPath string) (float64, error)
}

// Transcriber 语音转文字
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error)
}

// Analyzer 调用语言模型，返回结构化 JSON 文本
type Analyzer interface {
	Complete(ctx context.Context, prompt string, images []string) (string, error)
}

// Translator 批量翻译，返回与输入等长的结果
type Translator interface {
	Translate(ctx context.Context, texts []string, target language.Tag) ([]string, error)
}

// Store 编排器使用的持久化操作
type Store interface {
	GetMediaByID(ctx context.Context, id string) (*model.MediaRecord, error)
	ListMedia(ctx context.Context, offset, limit int) ([]model.MediaRecord, int64, error)
	DeleteMedia(ctx context.Context, id string) error
	EnsureRun(ctx context.Context, mediaID string) error
	LoadRun(ctx context.Context, mediaID string) (*model.PipelineRun, error)
	MarkStageRunning(ctx context.Context, mediaID string, stage model.Stage) error
	MarkStageFailed(ctx context.Context, mediaID string, stage model.Stage, msg string) error
	SaveStageOutput(ctx context.Context, mediaID string, stage model.Stage, data []byte) error
	LoadStageOutput(ctx context.Context, mediaID string, stage model.Stage) ([]byte, error)
	InvalidateStages(ctx context.Context, mediaID string, stages []model.Stage) error
	SaveAnalysisDocument(ctx context.Context, analysis *model.MediaAnalysis) error
	GetAnalysis(ctx context.Context, mediaID string) (*model.MediaAnalysis, error)
}
