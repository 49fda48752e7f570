package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediaflow/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateHash 内容哈希已属于另一条媒体记录
var ErrDuplicateHash = errors.New("内容哈希已存在")

// MediaStore 媒体记录与阶段状态的持久化
type MediaStore struct {
	db *gorm.DB
}

// NewMediaStore 创建媒体存储
func NewMediaStore(db *gorm.DB) *MediaStore {
	return &MediaStore{db: db}
}

// DB 返回底层连接
func (s *MediaStore) DB() *gorm.DB {
	return s.db
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateHash
	}
	return err
}

// SaveOrUpdateMedia 按 ID 插入或更新媒体记录
func (s *MediaStore) SaveOrUpdateMedia(ctx context.Context, rec *model.MediaRecord) error {
	return translate(s.db.WithContext(ctx).Save(rec).Error)
}

// GetMediaByID 按 ID 查询
func (s *MediaStore) GetMediaByID(ctx context.Context, id string) (*model.MediaRecord, error) {
	var rec model.MediaRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// GetMediaByHash 按内容哈希查询
func (s *MediaStore) GetMediaByHash(ctx context.Context, hash string) (*model.MediaRecord, error) {
	var rec model.MediaRecord
	if err := s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// CreateMediaIfAbsent 哈希不存在时插入，否则返回已有记录
func (s *MediaStore) CreateMediaIfAbsent(ctx context.Context, rec *model.MediaRecord) (*model.MediaRecord, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "content_hash"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return nil, false, translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}

	winner, err := s.GetMediaByHash(ctx, rec.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return winner, false, nil
}

// ListMedia 分页列出媒体记录，按创建时间倒序
func (s *MediaStore) ListMedia(ctx context.Context, offset, limit int) ([]model.MediaRecord, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.MediaRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := s.db.WithContext(ctx).Order("created_at DESC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []model.MediaRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DeleteMedia 删除媒体记录及其全部阶段数据
func (s *MediaStore) DeleteMedia(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.MediaRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("media_id = ?", id).Delete(&model.PipelineStage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("media_id = ?", id).Delete(&model.StageOutput{}).Error; err != nil {
			return err
		}
		return tx.Where("media_id = ?", id).Delete(&model.MediaAnalysis{}).Error
	})
}

// EnsureRun 为媒体创建缺失的阶段行
func (s *MediaStore) EnsureRun(ctx context.Context, mediaID string) error {
	rows := make([]model.PipelineStage, 0, len(model.Stages))
	for _, st := range model.Stages {
		rows = append(rows, model.PipelineStage{MediaID: mediaID, Stage: st, Status: model.StageStatusPending})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "media_id"}, {Name: "stage"}}, DoNothing: true}).
		Create(&rows).Error
}

// LoadRun 读取媒体的阶段运行记录，没有记录的阶段视为待处理
func (s *MediaStore) LoadRun(ctx context.Context, mediaID string) (*model.PipelineRun, error) {
	var rows []model.PipelineStage
	if err := s.db.WithContext(ctx).Where("media_id = ?", mediaID).Find(&rows).Error; err != nil {
		return nil, err
	}

	run := model.NewPipelineRun(mediaID)
	for _, row := range rows {
		run.Stages[row.Stage] = model.StageState{
			Status:    row.Status,
			HasOutput: row.HasOutput,
			Error:     row.Error,
			Attempts:  row.Attempts,
		}
	}
	return run, nil
}

// ListStages 返回媒体的阶段行
func (s *MediaStore) ListStages(ctx context.Context, mediaID string) ([]model.PipelineStage, error) {
	var rows []model.PipelineStage
	err := s.db.WithContext(ctx).Where("media_id = ?", mediaID).Order("id ASC").Find(&rows).Error
	return rows, err
}

func updateStage(tx *gorm.DB, mediaID string, stage model.Stage, updates map[string]any) error {
	row := model.PipelineStage{MediaID: mediaID, Stage: stage, Status: model.StageStatusPending}
	if err := tx.Where("media_id = ? AND stage = ?", mediaID, stage).FirstOrCreate(&row).Error; err != nil {
		return err
	}
	return tx.Model(&model.PipelineStage{}).Where("id = ?", row.ID).Updates(updates).Error
}

// MarkStageRunning 标记阶段开始执行
func (s *MediaStore) MarkStageRunning(ctx context.Context, mediaID string, stage model.Stage) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateStage(tx, mediaID, stage, map[string]any{
			"status":       model.StageStatusRunning,
			"error":        "",
			"attempts":     gorm.Expr("attempts + 1"),
			"started_at":   &now,
			"completed_at": nil,
		})
	})
}

// MarkStageFailed 记录阶段失败
func (s *MediaStore) MarkStageFailed(ctx context.Context, mediaID string, stage model.Stage, msg string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateStage(tx, mediaID, stage, map[string]any{
			"status":       model.StageStatusFailed,
			"error":        msg,
			"completed_at": &now,
		})
	})
}

func saveOutput(tx *gorm.DB, mediaID string, stage model.Stage, data []byte) error {
	out := model.StageOutput{MediaID: mediaID, Stage: stage, Data: string(data)}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "media_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&out).Error
	if err != nil {
		return err
	}

	now := time.Now()
	return updateStage(tx, mediaID, stage, map[string]any{
		"status":       model.StageStatusCompleted,
		"has_output":   true,
		"error":        "",
		"completed_at": &now,
	})
}

// SaveStageOutput 在同一事务中写入阶段输出并标记完成
func (s *MediaStore) SaveStageOutput(ctx context.Context, mediaID string, stage model.Stage, data []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveOutput(tx, mediaID, stage, data)
	})
}

// LoadStageOutput 读取阶段输出
func (s *MediaStore) LoadStageOutput(ctx context.Context, mediaID string, stage model.Stage) ([]byte, error) {
	var out model.StageOutput
	err := s.db.WithContext(ctx).Where("media_id = ? AND stage = ?", mediaID, stage).First(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return []byte(out.Data), nil
}

// InvalidateStages 清除阶段输出并重置为待处理
func (s *MediaStore) InvalidateStages(ctx context.Context, mediaID string, stages []model.Stage) error {
	if len(stages) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("media_id = ? AND stage IN ?", mediaID, stages).Delete(&model.StageOutput{}).Error; err != nil {
			return err
		}
		err := tx.Model(&model.PipelineStage{}).
			Where("media_id = ? AND stage IN ?", mediaID, stages).
			Updates(map[string]any{
				"status":       model.StageStatusPending,
				"has_output":   false,
				"error":        "",
				"completed_at": nil,
			}).Error
		if err != nil {
			return err
		}
		for _, st := range stages {
			if st == model.StagePersist {
				return tx.Where("media_id = ?", mediaID).Delete(&model.MediaAnalysis{}).Error
			}
		}
		return nil
	})
}

// SaveAnalysisDocument 同一事务写入最终文档、持久化阶段输出和完成状态
func (s *MediaStore) SaveAnalysisDocument(ctx context.Context, analysis *model.MediaAnalysis) error {
	now := time.Now()
	analysis.Complete = true
	analysis.PersistedAt = &now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(analysis).Error; err != nil {
			return err
		}
		receipt := fmt.Sprintf(`{"persistedAt":%q}`, now.Format(time.RFC3339Nano))
		return saveOutput(tx, analysis.MediaID, model.StagePersist, []byte(receipt))
	})
}

// GetAnalysis 读取最终文档
func (s *MediaStore) GetAnalysis(ctx context.Context, mediaID string) (*model.MediaAnalysis, error) {
	var a model.MediaAnalysis
	if err := s.db.WithContext(ctx).Where("media_id = ?", mediaID).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}
