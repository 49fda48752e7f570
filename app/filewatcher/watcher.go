package filewatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediaflow/app/config"
	"mediaflow/app/logger"
	"mediaflow/app/pipeline"

	"github.com/fsnotify/fsnotify"
)

// Submitter 接收就绪的媒体文件
type Submitter interface {
	Submit(ctx context.Context, ref pipeline.MediaRef, opts pipeline.SubmitOptions) (*pipeline.Submission, error)
}

// InboxWatcher 监控收件目录，新文件写入完成后提交处理
type InboxWatcher struct {
	config    config.WatcherConfig
	submitter Submitter
	watcher   *fsnotify.Watcher
	logger    *logger.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	watching  bool
	mu        sync.RWMutex

	pollInterval time.Duration
	maxWait      time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewInboxWatcher 创建收件目录监控器
func NewInboxWatcher(cfg config.WatcherConfig, submitter Submitter, log *logger.Logger) (*InboxWatcher, error) {
	if cfg.InboxDir == "" {
		return nil, fmt.Errorf("收件目录未配置")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &InboxWatcher{
		config:       cfg,
		submitter:    submitter,
		watcher:      watcher,
		logger:       log.Named("inbox"),
		stopCh:       make(chan struct{}),
		pollInterval: 500 * time.Millisecond,
		maxWait:      5 * time.Minute,
		inflight:     make(map[string]struct{}),
	}, nil
}

// Start 启动监控
func (iw *InboxWatcher) Start() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.watching {
		return fmt.Errorf("收件目录监控已经在运行")
	}

	if err := os.MkdirAll(iw.config.InboxDir, 0755); err != nil {
		return fmt.Errorf("创建收件目录失败: %w", err)
	}

	if err := iw.addWatchPaths(); err != nil {
		return fmt.Errorf("添加监控路径失败: %w", err)
	}

	iw.watching = true
	iw.wg.Add(1)
	go iw.watchLoop()

	iw.logger.Infof("📥 收件目录监控已启动: %s", iw.config.InboxDir)

	if iw.config.ProcessExistingFiles {
		iw.processExistingFilesInDir(iw.config.InboxDir)
	}
	return nil
}

// Stop 停止监控并等待正在处理的文件
func (iw *InboxWatcher) Stop() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if !iw.watching {
		return nil
	}

	close(iw.stopCh)
	err := iw.watcher.Close()
	iw.wg.Wait()
	iw.watching = false

	iw.logger.Info("收件目录监控已停止")
	return err
}

func (iw *InboxWatcher) addWatchPaths() error {
	if err := iw.watcher.Add(iw.config.InboxDir); err != nil {
		return fmt.Errorf("添加根监控目录失败: %w", err)
	}
	if !iw.config.Recursive {
		return nil
	}

	return filepath.WalkDir(iw.config.InboxDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != iw.config.InboxDir {
			if err := iw.watcher.Add(path); err != nil {
				iw.logger.Warnf("添加子目录监控失败: %s, 错误: %v", path, err)
			}
		}
		return nil
	})
}

func (iw *InboxWatcher) watchLoop() {
	defer iw.wg.Done()

	for {
		select {
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			iw.handleEvent(event)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.Errorf("收件目录监控错误: %v", err)

		case <-iw.stopCh:
			return
		}
	}
}

// handleEvent 只关心创建和写入完成后的改名
func (iw *InboxWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		iw.logger.Debugf("获取文件信息失败: %s, 错误: %v", event.Name, err)
		return
	}

	if info.IsDir() {
		if iw.config.Recursive {
			if err := iw.watcher.Add(event.Name); err != nil {
				iw.logger.Warnf("添加新目录监控失败: %s, 错误: %v", event.Name, err)
				return
			}
			iw.processExistingFilesInDir(event.Name)
		}
		return
	}

	if !iw.shouldProcessFile(event.Name) {
		return
	}
	iw.dispatch(event.Name)
}

// processExistingFilesInDir 提交目录中已经存在的文件
func (iw *InboxWatcher) processExistingFilesInDir(dirPath string) {
	iw.wg.Add(1)
	go func() {
		defer iw.wg.Done()

		var matched int
		err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				iw.logger.Warnf("遍历收件目录失败: %s, 错误: %v", path, err)
				return nil
			}
			if d.IsDir() {
				if path != dirPath && !iw.config.Recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !iw.shouldProcessFile(path) {
				return nil
			}
			matched++
			iw.dispatch(path)
			return nil
		})
		if err != nil {
			iw.logger.Errorf("遍历收件目录失败: %s, 错误: %v", dirPath, err)
			return
		}
		iw.logger.Infof("收件目录初始扫描完成: %s，发现 %d 个待处理文件", dirPath, matched)
	}()
}

// dispatch 每个路径同一时间只处理一次
func (iw *InboxWatcher) dispatch(path string) {
	iw.inflightMu.Lock()
	if _, busy := iw.inflight[path]; busy {
		iw.inflightMu.Unlock()
		return
	}
	iw.inflight[path] = struct{}{}
	iw.inflightMu.Unlock()

	iw.wg.Add(1)
	go func() {
		defer iw.wg.Done()
		defer func() {
			iw.inflightMu.Lock()
			delete(iw.inflight, path)
			iw.inflightMu.Unlock()
		}()

		if err := iw.waitForFileReady(path); err != nil {
			iw.logger.Warnf("等待文件就绪失败: %s, 错误: %v", path, err)
			return
		}
		if err := iw.processFile(path); err != nil {
			iw.logger.Errorf("提交收件文件失败: %s, 错误: %v", path, err)
		}
	}()
}

func (iw *InboxWatcher) shouldProcessFile(filePath string) bool {
	name := filepath.Base(filePath)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return false
	}
	if len(iw.config.Extensions) == 0 {
		return true
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	for _, allowedExt := range iw.config.Extensions {
		if strings.ToLower(allowedExt) == ext {
			return true
		}
	}
	return false
}

// waitForFileReady 文件大小在两次检查之间不变即认为写入完成
func (iw *InboxWatcher) waitForFileReady(filePath string) error {
	timeout := time.After(iw.maxWait)
	var lastSize int64 = -1

	for {
		select {
		case <-iw.stopCh:
			return fmt.Errorf("监控已停止")
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", filePath)
		case <-time.After(iw.pollInterval):
			info, err := os.Stat(filePath)
			if err != nil {
				return fmt.Errorf("获取文件信息失败: %w", err)
			}

			currentSize := info.Size()
			if currentSize == lastSize && currentSize > 0 {
				return nil
			}
			lastSize = currentSize
		}
	}
}

// processFile 提交文件，重复内容在移动模式下直接清理
func (iw *InboxWatcher) processFile(path string) error {
	sub, err := iw.submitter.Submit(context.Background(), pipeline.MediaRef{Path: path}, pipeline.SubmitOptions{
		Priority: iw.config.Priority,
		Move:     iw.config.MoveFiles,
	})
	if err != nil {
		return err
	}

	switch {
	case sub.JobID == "":
		iw.logger.Infof("收件文件已全部处理过: %s -> %s", path, sub.MediaID)
	case sub.Joined:
		iw.logger.Infof("收件文件合并到进行中的任务: %s -> %s", path, sub.JobID)
	default:
		iw.logger.Infof("✅ 收件文件已提交: %s -> 任务 %s", path, sub.JobID)
		return nil
	}

	if iw.config.MoveFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			iw.logger.Warnf("删除重复的收件文件失败: %s, 错误: %v", path, err)
		}
	}
	return nil
}
