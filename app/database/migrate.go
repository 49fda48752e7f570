package database

import (
	"mediaflow/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	// 自动迁移表结构
	return db.AutoMigrate(
		&model.MediaRecord{},
		&model.PipelineStage{},
		&model.StageOutput{},
		&model.MediaAnalysis{},
	)
}
