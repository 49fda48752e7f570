package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mediaflow/app/config"
	"mediaflow/app/model"

	"resty.dev/v3"
)

// recognizeResponse 语音服务返回结构
type recognizeResponse struct {
	Success       bool   `json:"success"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
	Transcription struct {
		Text     string          `json:"text"`
		Language string          `json:"language"`
		Duration float64         `json:"duration"`
		Segments []model.Segment `json:"segments"`
	} `json:"transcription"`
}

// Client 语音识别服务客户端
type Client struct {
	client *resty.Client
}

// New 创建语音识别客户端
func New(cfg config.TranscribeConfig) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.URL)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{client: client}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Health 检查语音服务是否可用
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		return fmt.Errorf("请求语音服务失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("语音服务状态异常，状态码: %d", resp.StatusCode())
	}
	return nil
}

// Transcribe 上传音频并返回带时间戳的片段
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error) {
	var result recognizeResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetFile("audio", audioPath).
		SetResult(&result).
		Post("/api/recognize")
	if err != nil {
		return nil, fmt.Errorf("请求语音服务失败: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		// 出错时返回语音服务自己的消息
		var failure recognizeResponse
		if decodeErr := json.Unmarshal(resp.Bytes(), &failure); decodeErr == nil && failure.Msg != "" {
			return nil, errors.New(failure.Msg)
		}
		return nil, fmt.Errorf("语音识别失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		if result.Msg != "" {
			return nil, errors.New(result.Msg)
		}
		return nil, errors.New("语音识别失败")
	}

	segments := result.Transcription.Segments
	if segments == nil {
		segments = []model.Segment{}
	}
	return &model.Transcript{Segments: segments, Duration: result.Transcription.Duration}, nil
}
