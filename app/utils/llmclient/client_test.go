package llmclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaflow/app/config"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
}

func TestComplete_SendsDownscaledImages(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame_0001.jpg")
	require.NoError(t, imaging.Save(imaging.New(1600, 900, color.White), frame))

	var got chatRequest
	var rawUser []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
			ResponseFormat map[string]string `json:"response_format"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got.Model = body.Model
		got.ResponseFormat = body.ResponseFormat
		require.Len(t, body.Messages, 2)
		require.NoError(t, json.Unmarshal(body.Messages[1].Content, &rawUser))
		reply(w, `{"title":{"en":"Clip","zh":"片段"}}`)
	}))
	defer srv.Close()

	client := New(config.LLMConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "vision-1", Timeout: 5 * time.Second, ImageMaxWidth: 640}, nil)
	defer client.Close()

	out, err := client.Complete(context.Background(), "describe", []string{frame})
	require.NoError(t, err)
	assert.Contains(t, out, "片段")
	assert.Equal(t, "vision-1", got.Model)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])

	require.Len(t, rawUser, 2)
	assert.Equal(t, "describe", rawUser[0]["text"])
	url := rawUser[1]["image_url"].(map[string]any)["url"].(string)
	require.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	img, err := decodeDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestComplete_MissingImage(t *testing.T) {
	client := New(config.LLMConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	defer client.Close()
	_, err := client.Complete(context.Background(), "x", []string{filepath.Join(t.TempDir(), "nope.jpg")})
	assert.Error(t, err)
}

func TestComplete_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	client := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	defer client.Close()
	_, err := client.Complete(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Equal(t, "Rate limit reached", err.Error())
}

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		prompt := body.Messages[1].Content
		assert.Contains(t, prompt, "Simplified Chinese")
		assert.Contains(t, prompt, `["Hello","World"]`)
		reply(w, "```json\n{\"translations\":[\"你好\",\"世界\"]}\n```")
	}))
	defer srv.Close()

	client := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	defer client.Close()

	out, err := client.Translate(context.Background(), []string{"Hello", "World"}, language.SimplifiedChinese)
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "世界"}, out)
}

func TestTranslate_LengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"translations":["only one"]}`)
	}))
	defer srv.Close()

	client := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	defer client.Close()

	_, err := client.Translate(context.Background(), []string{"a", "b"}, language.English)
	assert.Error(t, err)
}

func TestTranslate_Empty(t *testing.T) {
	client := New(config.LLMConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	defer client.Close()
	out, err := client.Translate(context.Background(), nil, language.English)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// decodeDataURL 把 data URL 还原成图片
func decodeDataURL(dataURL string) (image.Image, error) {
	payload := strings.TrimPrefix(dataURL, "data:image/jpeg;base64,")
	return imaging.Decode(base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload)))
}
