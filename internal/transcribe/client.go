// Package transcribe converts spoken audio into text via an
// OpenAI-compatible transcription endpoint. The resulting text feeds
// straight into the turn pipeline as if it had been typed.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cloudvoice/cloudvoice/internal/httpkit"
)

const (
	// DefaultBaseURL targets the hosted Whisper endpoint. Point it at a
	// local faster-whisper server for fully offline operation.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the transcription model name.
	DefaultModel = "whisper-1"

	// maxAudioBytes caps the uploaded clip. Voice turns are short; a
	// 25 MB clip is already several minutes of WAV audio.
	maxAudioBytes = 25 << 20
)

// Config holds transcription client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client calls the transcription endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// New creates a transcription client. Zero-value fields fall back to
// defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
	}
}

// Transcribe uploads one audio clip and returns the recognized text,
// trimmed. filename carries the extension the endpoint uses to sniff
// the container format (e.g. "clip.wav").
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(audio, maxAudioBytes+1))
	if err != nil {
		return "", fmt.Errorf("transcribe: read audio: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("transcribe: empty audio clip")
	}
	if n > maxAudioBytes {
		return "", fmt.Errorf("transcribe: audio clip exceeds %d bytes", maxAudioBytes)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: API returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcribe: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
