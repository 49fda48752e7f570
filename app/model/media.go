package model

import (
	"time"
)

// DeletingSuffix 正在删除的媒体目录后缀，对账时跳过
const DeletingSuffix = ".deleting"

// MediaRecord 媒体记录，每个内容哈希只对应一条
type MediaRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	ContentHash string    `gorm:"size:128;not null;uniqueIndex" json:"contentHash"`
	DisplayName string    `gorm:"size:512" json:"displayName"`
	StoragePath string    `gorm:"size:1024" json:"storagePath"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (MediaRecord) TableName() string {
	return "media_records"
}

// MediaAnalysis 持久化阶段写入的最终文档
type MediaAnalysis struct {
	MediaID       string     `gorm:"primaryKey;size:36" json:"mediaId"`
	Duration      float64    `json:"duration"`
	ArtifactCount int        `json:"artifactCount"`
	SegmentCount  int        `json:"segmentCount"`
	Title         string     `gorm:"size:512" json:"title"`
	SummaryEN     string     `gorm:"type:text" json:"summaryEn"`
	SummaryZH     string     `gorm:"type:text" json:"summaryZh"`
	Document      string     `gorm:"type:text" json:"-"` // 完整 JSON 文档
	Complete      bool       `gorm:"default:false;index" json:"complete"`
	PersistedAt   *time.Time `json:"persistedAt"`
}

func (MediaAnalysis) TableName() string {
	return "media_analyses"
}
