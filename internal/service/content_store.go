// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/pkg/log"
	"knowledge-ingest-go/pkg/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("knowledge-ingest-go/service")

// StorageResult 是一次内容解析的结果。AlreadyExisted 为 true 时没有发生任何上传。
type StorageResult struct {
	Locator        string             `json:"url"`
	Metadata       model.FileMetadata `json:"metadata"`
	Hash           string             `json:"hash"`
	AlreadyExisted bool               `json:"alreadyExisted"`
}

// ContentStore 负责内容寻址的去重上传。
type ContentStore interface {
	Resolve(ctx context.Context, data []byte, declaredName, declaredMimeType string, onProgress storage.ProgressFunc) (*StorageResult, error)
	CheckHash(ctx context.Context, hash string) (*model.HashCheckResult, error)
}

// HashIndex 查询与登记 hash -> 存储位置，并提供跨进程的上传锁。
type HashIndex interface {
	Lookup(ctx context.Context, hash string) (*repository.HashEntry, error)
	Remember(ctx context.Context, hash string, entry repository.HashEntry) error
	Forget(ctx context.Context, hash string) error
	Lock(ctx context.Context, hash string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, hash, token string) error
}

type hashIndex struct {
	registry repository.HashRegistry
	files    repository.FileRepository
}

// NewHashIndex 组合 Redis 登记表与 files 表。registry 为 nil 时只查询 files 表，锁总是成功。
func NewHashIndex(registry repository.HashRegistry, files repository.FileRepository) HashIndex {
	return &hashIndex{registry: registry, files: files}
}

func (h *hashIndex) Lookup(ctx context.Context, hash string) (*repository.HashEntry, error) {
	if h.registry != nil {
		entry, err := h.registry.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}

	file, err := h.files.FindByHash(hash)
	if errors.Is(err, repository.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &repository.HashEntry{URL: file.URL, Metadata: file.Metadata}
	if h.registry != nil {
		if err := h.registry.Put(ctx, hash, *entry); err != nil {
			log.Warnf("[HashIndex] 回填哈希登记失败, hash: %s, error: %v", hash, err)
		}
	}
	return entry, nil
}

func (h *hashIndex) Remember(ctx context.Context, hash string, entry repository.HashEntry) error {
	if h.registry == nil {
		return nil
	}
	return h.registry.Put(ctx, hash, entry)
}

func (h *hashIndex) Forget(ctx context.Context, hash string) error {
	if h.registry == nil {
		return nil
	}
	return h.registry.Forget(ctx, hash)
}

func (h *hashIndex) Lock(ctx context.Context, hash string, ttl time.Duration) (string, bool, error) {
	if h.registry == nil {
		return "", true, nil
	}
	return h.registry.Lock(ctx, hash, ttl)
}

func (h *hashIndex) Unlock(ctx context.Context, hash, token string) error {
	if h.registry == nil {
		return nil
	}
	return h.registry.Unlock(ctx, hash, token)
}

type contentStore struct {
	index     HashIndex
	blobs     storage.BlobStore
	cfg       config.UploadConfig
	group     singleflight.Group
	now       func() time.Time
	newName   func() string
	lockRetry time.Duration
}

// NewContentStore 创建一个新的 ContentStore 实例。
func NewContentStore(index HashIndex, blobs storage.BlobStore, cfg config.UploadConfig) ContentStore {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "files"
	}
	return &contentStore{
		index:     index,
		blobs:     blobs,
		cfg:       cfg,
		now:       time.Now,
		newName:   uuid.NewString,
		lockRetry: 200 * time.Millisecond,
	}
}

// HashContent 返回内容的 sha256 十六进制摘要。
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckHash 查询内容哈希是否已存在。
func (s *contentStore) CheckHash(ctx context.Context, hash string) (*model.HashCheckResult, error) {
	entry, err := s.index.Lookup(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashCheckFailed, err)
	}
	if entry == nil {
		return &model.HashCheckResult{IsExist: false}, nil
	}
	md := entry.Metadata
	return &model.HashCheckResult{IsExist: true, URL: entry.URL, Metadata: &md}, nil
}

// Resolve 计算内容哈希；已存在时直接返回已有位置，否则上传并登记。
// 同一进程内相同内容的并发调用只会触发一次上传，未执行上传的调用方得到 AlreadyExisted=true。
// 共享的上传不随任何一个调用方的 ctx 取消，每个调用方只在自己的 ctx 结束时提前返回。
func (s *contentStore) Resolve(ctx context.Context, data []byte, declaredName, declaredMimeType string, onProgress storage.ProgressFunc) (*StorageResult, error) {
	ctx, span := tracer.Start(ctx, "content.resolve")
	defer span.End()

	hash := HashContent(data)
	span.SetAttributes(attribute.String("content.hash", hash), attribute.Int("content.size", len(data)))

	led := false
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(hash, func() (interface{}, error) {
		led = true
		return s.resolve(shared, hash, data, declaredName, declaredMimeType, onProgress)
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, r.Err
	}

	res := *r.Val.(*StorageResult)
	if !led {
		res.AlreadyExisted = true
	}
	span.SetAttributes(attribute.Bool("content.already_existed", res.AlreadyExisted))
	return &res, nil
}

func (s *contentStore) resolve(ctx context.Context, hash string, data []byte, name, mimeType string, onProgress storage.ProgressFunc) (*StorageResult, error) {
	if res, err := s.lookup(ctx, hash); res != nil || err != nil {
		return res, err
	}

	token, err := s.acquire(ctx, hash)
	if err != nil {
		return nil, err
	}
	if token == "" {
		// 其他进程已完成同一内容的上传
		res, err := s.lookup(ctx, hash)
		if err == nil && res == nil {
			err = fmt.Errorf("%w: registry entry for %s vanished", ErrHashCheckFailed, hash)
		}
		return res, err
	}
	defer func() {
		if err := s.index.Unlock(context.Background(), hash, token); err != nil {
			log.Warnf("[ContentStore] 释放上传锁失败, hash: %s, error: %v", hash, err)
		}
	}()

	if res, err := s.lookup(ctx, hash); res != nil || err != nil {
		return res, err
	}

	md := s.locate(name)
	url, err := s.blobs.Presign(ctx, md.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := s.blobs.PutViaURL(ctx, url, data, mimeType, onProgress); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	log.Ctx(ctx).Infof("[ContentStore] 上传完成, hash: %s, path: %s, size: %d", hash, md.Path, len(data))

	if err := s.index.Remember(ctx, hash, repository.HashEntry{URL: md.Path, Metadata: md}); err != nil {
		log.Warnf("[ContentStore] 登记内容哈希失败, hash: %s, error: %v", hash, err)
	}
	return &StorageResult{Locator: md.Path, Metadata: md, Hash: hash}, nil
}

func (s *contentStore) lookup(ctx context.Context, hash string) (*StorageResult, error) {
	entry, err := s.index.Lookup(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashCheckFailed, err)
	}
	if entry == nil {
		return nil, nil
	}
	log.Ctx(ctx).Infof("[ContentStore] 命中去重, hash: %s, url: %s", hash, entry.URL)
	return &StorageResult{Locator: entry.URL, Metadata: entry.Metadata, Hash: hash, AlreadyExisted: true}, nil
}

// acquire 获取上传锁。返回空 token 表示等待期间另一个进程已登记了该哈希。
func (s *contentStore) acquire(ctx context.Context, hash string) (string, error) {
	deadline := s.now().Add(s.cfg.LockTTL)
	for {
		token, ok, err := s.index.Lock(ctx, hash, s.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrHashCheckFailed, err)
		}
		if ok {
			if token == "" {
				token = "local"
			}
			return token, nil
		}

		entry, err := s.index.Lookup(ctx, hash)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrHashCheckFailed, err)
		}
		if entry != nil {
			return "", nil
		}
		if s.now().After(deadline) {
			return "", fmt.Errorf("%w: timed out waiting for concurrent upload of %s", ErrHashCheckFailed, hash)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.lockRetry):
		}
	}
}

// locate 生成 {prefix}/{hourBucket}/{uuid}.{ext} 形式的存储位置。
func (s *contentStore) locate(name string) model.FileMetadata {
	bucket := strconv.FormatInt(int64(math.Round(float64(s.now().Unix())/3600)), 10)
	dirname := s.cfg.PathPrefix + "/" + bucket
	filename := s.newName()
	if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
		filename += "." + ext
	}
	return model.FileMetadata{
		Date:     bucket,
		Dirname:  dirname,
		Filename: filename,
		Path:     dirname + "/" + filename,
	}
}
