package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"mediaflow/app/config"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/filewatcher"
	"mediaflow/app/handler"
	"mediaflow/app/logger"
	"mediaflow/app/middleware"
	"mediaflow/app/pipeline"
	"mediaflow/app/progress"
	"mediaflow/app/service"
	"mediaflow/app/taskqueue"
	"mediaflow/app/utils/llmclient"
	"mediaflow/app/utils/mediatool"
	"mediaflow/app/utils/transcriber"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Version 程序版本
const Version = "1.0.0"

// Server 表示 HTTP 服务器及其后台服务
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	db           *gorm.DB
	bus          *progress.Bus
	mediaTool    *mediatool.Tool
	transcriber  *transcriber.Client
	llm          *llmclient.Client
	orchestrator *pipeline.Orchestrator
	reconciler   *service.Reconciler
	inbox        *filewatcher.InboxWatcher
}

// New 组装全部组件并创建 Server 实例
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(log.Named("http")), middleware.Recovery(log))

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config: cfg,
		Logger: log,
	}

	if err := s.setupComponents(); err != nil {
		s.closeResources()
		return nil, err
	}

	s.setupRoutes()
	return s, nil
}

// setupComponents 初始化存储、队列、编排器和后台服务
func (s *Server) setupComponents() error {
	cfg := s.Config
	log := s.Logger

	db, err := database.Open(cfg.DatabasePath(), log)
	if err != nil {
		return fmt.Errorf("数据库初始化失败: %w", err)
	}
	s.db = db
	store := database.NewMediaStore(db)

	hasher, err := dedup.NewHasher(cfg.Pipeline.HashAlgorithm)
	if err != nil {
		return err
	}
	index := dedup.NewIndex(store, cfg.Pipeline.DedupCacheTTL, log.Named("dedup"))

	s.mediaTool, err = mediatool.New(cfg.FFmpeg, log.Named("ffmpeg"))
	if err != nil {
		return err
	}
	s.llm = llmclient.New(cfg.LLM, log.Named("llm"))

	queue := taskqueue.New(taskqueue.Options{
		Concurrency: cfg.Queue.Concurrency,
		MaxArchived: cfg.Queue.MaxArchived,
		Logger:      log.Named("taskqueue"),
	})
	s.bus = progress.New(progress.Options{Buffer: cfg.Progress.Buffer, Logger: log.Named("progress")})

	deps := pipeline.Deps{
		Queue:      queue,
		Bus:        s.bus,
		Index:      index,
		Hasher:     hasher,
		Store:      store,
		Extractor:  s.mediaTool,
		Prober:     s.mediaTool,
		Analyzer:   s.llm,
		Translator: s.llm,
	}
	if cfg.Transcribe.Enabled {
		s.transcriber = transcriber.New(cfg.Transcribe)
		deps.Transcriber = s.transcriber
	} else {
		log.Info("语音转录未启用，转录阶段将输出空结果")
	}

	s.orchestrator, err = pipeline.New(deps, pipeline.Options{
		MediaDir:          cfg.MediaRoot(),
		FrameInterval:     cfg.Pipeline.FrameInterval,
		MaxAnalysisFrames: cfg.Pipeline.MaxAnalysisFrames,
		Logger:            log.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	s.reconciler = service.NewReconciler(cfg, store, index, hasher, log.Named("reconciler"))

	if cfg.Watcher.Enabled {
		s.inbox, err = filewatcher.NewInboxWatcher(cfg.Watcher, s.orchestrator, log)
		if err != nil {
			return err
		}
	}
	return nil
}

// Start 启动后台服务和 HTTP 服务器
func (s *Server) Start() error {
	if err := s.mediaTool.CheckBinaries(); err != nil {
		s.Logger.Warnf("⚠️ %v，抽帧阶段将会失败", err)
	}
	if s.transcriber != nil {
		if err := s.transcriber.Health(context.Background()); err != nil {
			s.Logger.Warnf("⚠️ 语音服务不可用: %v", err)
		}
	}

	if err := s.reconciler.Start(); err != nil {
		return fmt.Errorf("启动对账服务失败: %w", err)
	}
	if s.inbox != nil {
		if err := s.inbox.Start(); err != nil {
			return fmt.Errorf("启动收件目录监控失败: %w", err)
		}
	}

	s.Logger.Infof("🚀 在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 按依赖的反序关闭各组件
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	if s.inbox != nil {
		if stopErr := s.inbox.Stop(); stopErr != nil {
			s.Logger.Errorf("停止收件目录监控失败: %v", stopErr)
		}
	}
	s.reconciler.Stop()

	if shutdownErr := s.orchestrator.Shutdown(ctx); shutdownErr != nil {
		s.Logger.Errorf("等待处理任务结束超时: %v", shutdownErr)
	}

	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.transcriber != nil {
		_ = s.transcriber.Close()
	}
	if s.llm != nil {
		_ = s.llm.Close()
	}
	if err := database.Close(s.db); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
}

// Handler 返回路由，供测试使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	var sweeper handler.Sweeper
	if s.Config.Reconciler.Enabled {
		sweeper = s.reconciler
	}

	mediaHandler := handler.NewMediaHandler(s.orchestrator,
		filepath.Join(s.Config.Storage.DataDir, "uploads"), s.Config.Server.MaxUploadSize, s.Logger.Named("media"))
	jobHandler := handler.NewJobHandler(s.orchestrator)
	systemHandler := handler.NewSystemHandler(s.orchestrator, sweeper, Version, s.Logger)
	progressHandler := handler.NewProgressHandler(s.orchestrator, s.Config.Progress.Heartbeat)

	// API路由组
	api := s.gin.Group("/api")
	api.GET("/health", systemHandler.Health)
	api.GET("/stats", systemHandler.Stats)
	api.PUT("/queue/concurrency", systemHandler.SetConcurrency)
	api.POST("/reconcile", systemHandler.Reconcile)

	// 媒体相关路由
	media := api.Group("/media")
	{
		media.POST("", mediaHandler.Submit)
		media.POST("/upload", mediaHandler.Upload)
		media.GET("", mediaHandler.List)
		media.GET("/:id", mediaHandler.Get)
		media.DELETE("/:id", mediaHandler.Delete)
	}

	// 任务相关路由
	jobs := api.Group("/jobs")
	{
		jobs.GET("", jobHandler.List)
		jobs.GET("/:id", jobHandler.Get)
		jobs.DELETE("/:id", jobHandler.Cancel)
	}

	// 进度推送，subject 为媒体 ID 或任务 ID
	api.GET("/progress/:subject", progressHandler.Stream)
}
