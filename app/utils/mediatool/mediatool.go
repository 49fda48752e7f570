package mediatool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mediaflow/app/config"
	"mediaflow/app/logger"

	"github.com/google/shlex"
)

// Tool 调用 ffmpeg / ffprobe
type Tool struct {
	ffmpeg    string
	ffprobe   string
	extraArgs []string
	logger    *logger.Logger
}

// New 创建媒体工具，extra_args 按 shell 规则拆分
func New(cfg config.FFmpegConfig, log *logger.Logger) (*Tool, error) {
	extra, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("解析 ffmpeg 额外参数失败: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tool{
		ffmpeg:    cfg.FFmpegBin,
		ffprobe:   cfg.FFprobeBin,
		extraArgs: extra,
		logger:    log,
	}, nil
}

// CheckBinaries 检查 ffmpeg 和 ffprobe 是否可用
func (t *Tool) CheckBinaries() error {
	for _, bin := range []string{t.ffmpeg, t.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("未找到可执行文件: %s", bin)
		}
	}
	return nil
}

// ExtractArtifacts 每 intervalSeconds 秒抽取一帧，返回按顺序排列的帧路径
func (t *Tool) ExtractArtifacts(ctx context.Context, mediaPath, outputDir string, intervalSeconds int) ([]string, error) {
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}
	pattern := filepath.Join(outputDir, "frame_%04d.jpg")

	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", mediaPath,
		"-vf", fmt.Sprintf("fps=1/%d", intervalSeconds), "-q:v", "3"}
	args = append(args, t.extraArgs...)
	args = append(args, pattern)

	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return nil, err
	}

	frames, err := filepath.Glob(filepath.Join(outputDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(frames)
	if len(frames) == 0 {
		return nil, fmt.Errorf("ffmpeg 没有输出任何帧: %s", mediaPath)
	}
	t.logger.Debugf("抽帧完成: %s, 共 %d 帧", mediaPath, len(frames))
	return frames, nil
}

// ExtractAudio 抽取 16kHz 单声道音轨
func (t *Tool) ExtractAudio(ctx context.Context, mediaPath, outputPath string) error {
	_, err := t.run(ctx, t.ffmpeg, "-hide_banner", "-loglevel", "error", "-y", "-i", mediaPath,
		"-vn", "-ac", "1", "-ar", "16000", "-f", "wav", outputPath)
	if err != nil {
		_ = os.Remove(outputPath)
	}
	return err
}

// ProbeDuration 读取媒体时长（秒）
func (t *Tool) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	out, err := t.run(ctx, t.ffprobe, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", mediaPath)
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(out)
	duration, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("无法解析媒体时长 %q: %w", value, err)
	}
	return duration, nil
}

// run 执行命令，失败时返回 stderr 内容
func (t *Tool) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debugf("执行命令: %s %s", bin, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg == "" {
			return "", fmt.Errorf("%s 执行失败: %w", filepath.Base(bin), err)
		}
		return "", fmt.Errorf("%s 执行失败: %s", filepath.Base(bin), msg)
	}
	return stdout.String(), nil
}
