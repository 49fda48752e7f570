package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediaflow/app/apperr"
	"mediaflow/app/database"
	"mediaflow/app/logger"
	"mediaflow/app/model"

	"github.com/patrickmn/go-cache"
)

// Store 去重索引依赖的持久化操作
type Store interface {
	GetMediaByID(ctx context.Context, id string) (*model.MediaRecord, error)
	GetMediaByHash(ctx context.Context, hash string) (*model.MediaRecord, error)
	CreateMediaIfAbsent(ctx context.Context, rec *model.MediaRecord) (*model.MediaRecord, bool, error)
	SaveOrUpdateMedia(ctx context.Context, rec *model.MediaRecord) error
}

// Meta 更新媒体记录时使用的元数据
type Meta struct {
	DisplayName string
	StoragePath string
	SizeBytes   int64
}

// Index 内容哈希到媒体记录的索引
type Index struct {
	store Store
	cache *cache.Cache
	locks *keyedMutex
	log   *logger.Logger
}

// NewIndex 创建去重索引，ttl 为热点缓存有效期
func NewIndex(store Store, ttl time.Duration, log *logger.Logger) *Index {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Index{
		store: store,
		cache: cache.New(ttl, 2*ttl),
		locks: newKeyedMutex(),
		log:   log,
	}
}

// Lookup 按摘要查询规范记录
func (x *Index) Lookup(ctx context.Context, digest string) (*model.MediaRecord, bool, error) {
	if v, ok := x.cache.Get(digest); ok {
		rec := v.(model.MediaRecord)
		return &rec, true, nil
	}

	rec, err := x.store.GetMediaByHash(ctx, digest)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.TransientIO("lookup", err)
	}

	x.cache.SetDefault(digest, *rec)
	return rec, true, nil
}

// Resolve 返回摘要对应的规范记录，不存在时用 newRecord 创建
//
// 同一摘要的解析在进程内串行执行，跨进程的竞争由唯一索引兜底：
// 插入失败的一方丢弃自己的记录并返回胜出者。
func (x *Index) Resolve(ctx context.Context, digest string, newRecord func() *model.MediaRecord) (*model.MediaRecord, bool, error) {
	unlock := x.locks.Lock(digest)
	defer unlock()

	rec, found, err := x.Lookup(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	if found {
		return rec, false, nil
	}

	candidate := newRecord()
	candidate.ContentHash = digest

	winner, created, err := x.store.CreateMediaIfAbsent(ctx, candidate)
	if err != nil {
		return nil, false, apperr.TransientIO("create media", err)
	}
	if !created {
		conflict := apperr.Conflict("resolve", fmt.Errorf("摘要 %s 已由记录 %s 占用，丢弃候选记录 %s", digest, winner.ID, candidate.ID))
		x.log.Warnf("检测到去重竞争: %v", conflict)
	}

	x.cache.SetDefault(digest, *winner)
	return winner, created, nil
}

// Upsert 按 ID 幂等写入媒体记录
func (x *Index) Upsert(ctx context.Context, id, digest string, meta Meta) (*model.MediaRecord, error) {
	unlock := x.locks.Lock(digest)
	defer unlock()

	owner, found, err := x.Lookup(ctx, digest)
	if err != nil {
		return nil, err
	}
	if found && owner.ID != id {
		return nil, apperr.Conflict("upsert", fmt.Errorf("摘要 %s 已属于记录 %s", digest, owner.ID))
	}

	rec, err := x.store.GetMediaByID(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		rec = &model.MediaRecord{ID: id, ContentHash: digest, CreatedAt: time.Now()}
	case err != nil:
		return nil, apperr.TransientIO("upsert", err)
	case rec.ContentHash != "" && rec.ContentHash != digest:
		return nil, apperr.Conflict("upsert", fmt.Errorf("记录 %s 的摘要为 %s，不能改为 %s", id, rec.ContentHash, digest))
	}

	rec.ContentHash = digest
	if meta.DisplayName != "" && rec.DisplayName == "" {
		rec.DisplayName = meta.DisplayName
	}
	if meta.StoragePath != "" {
		rec.StoragePath = meta.StoragePath
	}
	if meta.SizeBytes > 0 {
		rec.SizeBytes = meta.SizeBytes
	}

	if err := x.store.SaveOrUpdateMedia(ctx, rec); err != nil {
		if errors.Is(err, database.ErrDuplicateHash) {
			return nil, apperr.Conflict("upsert", err)
		}
		return nil, apperr.TransientIO("upsert", err)
	}

	x.cache.SetDefault(digest, *rec)
	return rec, nil
}

// Forget 从缓存移除摘要，删除媒体后调用
func (x *Index) Forget(digest string) {
	x.cache.Delete(digest)
}
