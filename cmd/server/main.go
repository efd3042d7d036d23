// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"knowledge-ingest-go/internal/config"
	"knowledge-ingest-go/internal/handler"
	"knowledge-ingest-go/internal/middleware"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/pipeline"
	"knowledge-ingest-go/internal/repository"
	"knowledge-ingest-go/internal/service"
	"knowledge-ingest-go/internal/tracker"
	"knowledge-ingest-go/pkg/database"
	"knowledge-ingest-go/pkg/embedding"
	"knowledge-ingest-go/pkg/es"
	"knowledge-ingest-go/pkg/kafka"
	"knowledge-ingest-go/pkg/log"
	"knowledge-ingest-go/pkg/storage"
	"knowledge-ingest-go/pkg/tika"
	"knowledge-ingest-go/pkg/token"
	"knowledge-ingest-go/pkg/tracing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	if err := log.Init(cfg.Log); err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatal("初始化链路追踪失败", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Errorf("关闭链路追踪失败: %v", err)
			}
		}()
	}

	// 3. 初始化数据库、Redis、对象存储与消息
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	blobs, err := storage.NewMinIOStore(cfg.MinIO, cfg.Upload.PresignExpiry)
	if err != nil {
		log.Fatal("初始化对象存储失败", err)
	}
	events := kafka.NewPublisher(cfg.Kafka)
	defer events.Close()

	var esClient *elasticsearch.Client
	var mirror pipeline.VectorMirror
	if cfg.Elasticsearch.Enabled {
		esClient, err = es.NewClient(cfg.Elasticsearch, cfg.Embedding.Dimensions)
		if err != nil {
			log.Fatal("初始化 Elasticsearch 失败", err)
		}
		if err := es.CreateIndexIfNotExists(context.Background(), esClient, cfg.Elasticsearch.IndexName, cfg.Embedding.Dimensions); err != nil {
			log.Fatal("创建 Elasticsearch 索引失败", err)
		}
		mirror = pipeline.NewESMirror(esClient, cfg.Elasticsearch.IndexName)
	}

	// 4. 初始化 Repository
	fileRepo := repository.NewFileRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)
	embeddingRepo := repository.NewEmbeddingRepository(database.DB)
	hashRegistry := repository.NewHashRegistry(database.RDB, uuid.NewString)

	var vectorIndex repository.VectorIndex
	if cfg.Retrieval.Backend == "es" && esClient != nil {
		vectorIndex = repository.NewESVectorIndex(database.DB, esClient, cfg.Elasticsearch.IndexName)
		log.Info("向量检索使用 Elasticsearch kNN")
	} else {
		vectorIndex = repository.NewSQLVectorIndex(database.DB, embeddingRepo, cfg.Retrieval.ScanBatch)
		log.Info("向量检索使用数据库精确计算")
	}

	// 5. 初始化文件处理管道与 Service (依赖注入)
	tikaClient := tika.NewClient(cfg.Tika)
	if v, err := tikaClient.Version(context.Background()); err != nil {
		log.Warnf("Tika 服务不可用, 文件处理任务将失败直到其恢复: %v", err)
	} else {
		log.Infof("Tika 服务已连接: %s", v)
	}
	embeddingClient := embedding.NewClient(cfg.Embedding)
	processor := pipeline.NewProcessor(tikaClient, embeddingClient, blobs, fileRepo, chunkRepo, embeddingRepo, mirror, events, cfg.Jobs)

	hashIndex := service.NewHashIndex(hashRegistry, fileRepo)
	contentStore := service.NewContentStore(hashIndex, blobs, cfg.Upload)
	jobService, err := service.NewJobService(fileRepo, chunkRepo, processor, cfg.Jobs.PoolSize)
	if err != nil {
		log.Fatal("初始化任务服务失败", err)
	}
	defer jobService.Close()
	fileService := service.NewFileService(contentStore, hashIndex, fileRepo, chunkRepo, blobs, mirror, events, jobService)
	searchService := service.NewSearchService(vectorIndex, fileRepo, embeddingClient, cfg.Retrieval.TopK, cfg.Retrieval.ChatTopK)
	ingestService := service.NewIngestService(tracker.NewRegistry(), contentStore, fileService, jobService, cfg.Poller)
	jwtManager := token.NewJWTManager(cfg.JWT)

	seedCtx, cancelSeed := context.WithCancel(context.Background())
	defer cancelSeed()
	if cfg.Upload.SeedDir != "" {
		go initSeedFiles(seedCtx, cfg.Upload.SeedDir, cfg.Upload.SeedUserID, fileService, ingestService)
	}

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	fileHandler := handler.NewFileHandler(contentStore, fileService, jobService)
	searchHandler := handler.NewSearchHandler(searchService)
	sessionHandler := handler.NewSessionHandler(ingestService)

	// 7. 注册路由
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		files := apiV1.Group("/files")
		{
			files.POST("/check-hash", fileHandler.CheckHash)
			files.POST("/upload", fileHandler.Upload)
			files.POST("", fileHandler.Create)
			files.GET("", fileHandler.List)
			files.GET("/:id", fileHandler.Get)
			files.GET("/:id/status", fileHandler.Status)
			files.POST("/:id/chunk-embed", fileHandler.StartJob)
			files.DELETE("/:id", fileHandler.Delete)
			files.GET("/:id/chunks", fileHandler.Chunks)
			files.GET("/:id/chunks/text", fileHandler.ChunkTexts)
		}

		chunks := apiV1.Group("/chunks")
		{
			chunks.POST("/count", fileHandler.CountChunks)
			chunks.DELETE("/:id", fileHandler.DeleteChunk)
		}

		search := apiV1.Group("/search")
		{
			search.POST("/semantic", searchHandler.Semantic)
			search.POST("/chat", searchHandler.Chat)
		}

		sessions := apiV1.Group("/sessions")
		{
			sessions.POST("", sessionHandler.Create)
			sessions.GET("/:sid", sessionHandler.Get)
			sessions.DELETE("/:sid", sessionHandler.Close)
			sessions.POST("/:sid/files", sessionHandler.AddFiles)
			sessions.DELETE("/:sid/files/:id", sessionHandler.RemoveItem)
			sessions.GET("/:sid/ws", sessionHandler.Stream)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: otelhttp.NewHandler(r, "knowledge-ingest"),
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	cancelSeed()
	ingestService.Shutdown()
	log.Info("服务已优雅关闭")
}

// initSeedFiles 把目录下的文件作为一个批次导入给指定用户。内容已存在的文件会被跳过，因此重复启动是幂等的。
func initSeedFiles(ctx context.Context, dir string, userID uint, files service.FileService, ingest service.IngestService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	var sources []model.FileSource
	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("initSeedFiles: 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		if len(data) == 0 {
			log.Infof("initSeedFiles: 空文件跳过: %s", path)
			return nil
		}
		res, err := files.CheckHash(ctx, service.HashContent(data))
		if err == nil && res.IsExist {
			log.Infof("initSeedFiles: 已存在，跳过: %s", info.Name())
			return nil
		}
		sources = append(sources, model.FileSource{
			Name:     info.Name(),
			Size:     info.Size(),
			MimeType: service.DetectFileType(data, ""),
			Data:     data,
		})
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
	if len(sources) == 0 {
		return
	}

	sid := ingest.CreateSession(userID)
	store, err := ingest.Session(userID, sid)
	if err != nil {
		log.Warnf("initSeedFiles: 创建会话失败: %v", err)
		return
	}
	ids, err := store.AddFiles(sources)
	if err != nil {
		log.Warnf("initSeedFiles: 加入文件失败: %v", err)
		return
	}
	ingest.RunBatch(ctx, userID, store, "", ids, sources)

	for _, item := range store.List() {
		log.Infof("initSeedFiles: %s -> %s %s", item.File.Name, item.Status, item.Error)
	}
	if err := ingest.CloseSession(userID, sid); err != nil {
		log.Warnf("initSeedFiles: 关闭会话失败: %v", err)
	}
}
