package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mediaflow/app/config"
	"mediaflow/app/logger"
	"mediaflow/app/utils/llmjson"

	"github.com/disintegration/imaging"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"resty.dev/v3"
)

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = "You are a precise media analyst. Always answer with one valid JSON object and nothing else."

// Client OpenAI 兼容的多模态模型客户端
type Client struct {
	client        *resty.Client
	model         string
	imageMaxWidth int
	logger        *logger.Logger
}

// New 创建模型客户端
func New(cfg config.LLMConfig, log *logger.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		client:        client,
		model:         cfg.Model,
		imageMaxWidth: cfg.ImageMaxWidth,
		logger:        log,
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Complete 发送提示词和图片，返回模型原始文本
func (c *Client) Complete(ctx context.Context, prompt string, images []string) (string, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		dataURL, err := c.encodeImage(img)
		if err != nil {
			return "", err
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
	}
	c.logger.Debugf("请求模型分析: 模型=%s, 图片=%d", c.model, len(images))
	return c.chat(ctx, parts)
}

type translateResult struct {
	Translations []string `json:"translations"`
}

// Translate 批量翻译，返回与输入等长、同序的结果
func (c *Client) Translate(ctx context.Context, texts []string, target language.Tag) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}
	input, err := json.Marshal(texts)
	if err != nil {
		return nil, err
	}

	name := display.English.Tags().Name(target)
	prompt := fmt.Sprintf("Translate every string of the following JSON array into %s. "+
		"Reply with {\"translations\": [...]} keeping the same order and the same number of items.\n%s",
		name, input)

	raw, err := c.chat(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var result translateResult
	if err := llmjson.Decode(raw, &result); err != nil {
		return nil, fmt.Errorf("解析翻译结果失败: %w", err)
	}
	if len(result.Translations) != len(texts) {
		return nil, fmt.Errorf("翻译结果数量不匹配: 期望 %d，实际 %d", len(texts), len(result.Translations))
	}
	return result.Translations, nil
}

func (c *Client) chat(ctx context.Context, content any) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var result chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("请求模型服务失败: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		var failure chatResponse
		if decodeErr := json.Unmarshal(resp.Bytes(), &failure); decodeErr == nil && failure.Error != nil && failure.Error.Message != "" {
			return "", errors.New(failure.Error.Message)
		}
		return "", fmt.Errorf("模型服务返回错误，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", errors.New("模型服务没有返回任何结果")
	}
	return result.Choices[0].Message.Content, nil
}

// encodeImage 缩放并编码为 JPEG data URL
func (c *Client) encodeImage(path string) (string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("读取图片失败 %s: %w", path, err)
	}
	if c.imageMaxWidth > 0 && img.Bounds().Dx() > c.imageMaxWidth {
		img = imaging.Resize(img, c.imageMaxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return "", fmt.Errorf("编码图片失败 %s: %w", path, err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
