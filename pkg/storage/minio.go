// Package storage 提供了与对象存储服务（MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("knowledge-ingest-go/storage")

// ProgressFunc 在上传过程中被调用，loaded 为已发送字节数，total 为总字节数。
type ProgressFunc func(loaded, total int64)

// BlobStore 是对象存储的抽象。对象以路径（locator）寻址，写入通过预签名 URL 完成。
type BlobStore interface {
	Presign(ctx context.Context, objectPath string) (string, error)
	PutViaURL(ctx context.Context, url string, body []byte, contentType string, onProgress ProgressFunc) error
	Get(ctx context.Context, objectPath string) ([]byte, error)
	Remove(ctx context.Context, objectPath string) error
}

type minioStore struct {
	client     *minio.Client
	bucket     string
	expiry     time.Duration
	httpClient *http.Client
}

// NewMinIOStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStore(cfg config.MinIOConfig, presignExpiry time.Duration) (BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	}

	return &minioStore{
		client: client,
		bucket: cfg.BucketName,
		expiry: presignExpiry,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Presign 为对象路径生成一个有时效的 PUT 预签名地址。
func (s *minioStore) Presign(ctx context.Context, objectPath string) (string, error) {
	ctx, span := tracer.Start(ctx, "blob.presign")
	defer span.End()
	span.SetAttributes(attribute.String("blob.path", objectPath))

	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectPath, s.expiry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign failed")
		return "", fmt.Errorf("生成预签名地址失败: %w", err)
	}
	return u.String(), nil
}

// PutViaURL 通过预签名地址上传字节内容，非 2xx 响应视为失败，不做重试。
func (s *minioStore) PutViaURL(ctx context.Context, url string, body []byte, contentType string, onProgress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "blob.put")
	defer span.End()
	span.SetAttributes(attribute.Int("blob.size", len(body)))

	reader := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, reader)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("创建上传请求失败: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return fmt.Errorf("上传请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		span.SetStatus(codes.Error, resp.Status)
		return fmt.Errorf("上传返回非 2xx 状态码 %s: %s", resp.Status, string(msg))
	}
	return nil
}

// Get 读取整个对象。
func (s *minioStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "blob.get")
	defer span.End()
	span.SetAttributes(attribute.String("blob.path", objectPath))

	obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("获取对象失败: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("读取对象失败: %w", err)
	}
	return data, nil
}

// Remove 删除对象，对象不存在时不报错。
func (s *minioStore) Remove(ctx context.Context, objectPath string) error {
	ctx, span := tracer.Start(ctx, "blob.remove")
	defer span.End()

	if err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("删除对象失败: %w", err)
	}
	return nil
}

type progressReader struct {
	r          io.Reader
	loaded     int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.loaded, p.total)
		}
	}
	return n, err
}
