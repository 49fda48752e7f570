package model

import (
	"fmt"
	"time"
)

// Stage 处理阶段
type Stage string

const (
	StageExtract    Stage = "extract"
	StageTranscribe Stage = "transcribe"
	StageAnalyze    Stage = "analyze"
	StagePersist    Stage = "persist"
)

// Stages 固定的阶段顺序
var Stages = []Stage{StageExtract, StageTranscribe, StageAnalyze, StagePersist}

// Index 返回阶段在链中的位置，未知阶段返回 -1
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage 解析阶段名称
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if s.Index() < 0 {
		return "", fmt.Errorf("未知阶段: %s", name)
	}
	return s, nil
}

// StageStatus 阶段状态
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// PipelineStage 每个媒体每个阶段一行，跨进程重启保留
type PipelineStage struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	MediaID     string      `gorm:"size:36;not null;uniqueIndex:idx_media_stage" json:"mediaId"`
	Stage       Stage       `gorm:"size:16;not null;uniqueIndex:idx_media_stage" json:"stage"`
	Status      StageStatus `gorm:"size:16;default:'pending';index" json:"status"`
	HasOutput   bool        `gorm:"default:false" json:"hasOutput"`
	Error       string      `gorm:"type:text" json:"error,omitempty"`
	Attempts    int         `gorm:"default:0" json:"attempts"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (PipelineStage) TableName() string {
	return "pipeline_stages"
}

// StageOutput 阶段输出（JSON）
type StageOutput struct {
	ID        uint      `gorm:"primaryKey"`
	MediaID   string    `gorm:"size:36;not null;uniqueIndex:idx_output_media_stage"`
	Stage     Stage     `gorm:"size:16;not null;uniqueIndex:idx_output_media_stage"`
	Data      string    `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (StageOutput) TableName() string {
	return "stage_outputs"
}

// StageState 阶段在运行记录中的状态
type StageState struct {
	Status    StageStatus `json:"status"`
	HasOutput bool        `json:"hasOutput"`
	Error     string      `json:"error,omitempty"`
	Attempts  int         `json:"attempts"`
}

// PipelineRun 某个媒体的阶段运行记录
type PipelineRun struct {
	MediaID string               `json:"mediaId"`
	Stages  map[Stage]StageState `json:"stages"`
}

// NewPipelineRun 所有阶段均为待处理
func NewPipelineRun(mediaID string) *PipelineRun {
	run := &PipelineRun{MediaID: mediaID, Stages: make(map[Stage]StageState, len(Stages))}
	for _, s := range Stages {
		run.Stages[s] = StageState{Status: StageStatusPending}
	}
	return run
}

// Done 阶段已完成且输出存在
func (r *PipelineRun) Done(stage Stage) bool {
	st, ok := r.Stages[stage]
	return ok && st.Status == StageStatusCompleted && st.HasOutput
}

// Missing 返回需要（重新）执行的阶段，按链顺序
func (r *PipelineRun) Missing() []Stage {
	var missing []Stage
	for _, s := range Stages {
		if !r.Done(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// FirstIncomplete 返回第一个未完成的阶段，全部完成时返回空
func (r *PipelineRun) FirstIncomplete() Stage {
	missing := r.Missing()
	if len(missing) == 0 {
		return ""
	}
	return missing[0]
}

// Complete 所有阶段都已完成
func (r *PipelineRun) Complete() bool {
	return len(r.Missing()) == 0
}
