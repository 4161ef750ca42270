// Package asr adapts speech-to-text vendors to orchestrator.ASR.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/voicesession/orchestrator/pkg/audio"
	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

// Groq calls Groq's Whisper-compatible transcription endpoint.
type Groq struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
}

func NewGroq(apiKey, model string) *Groq {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &Groq{
		apiKey:     apiKey,
		url:        "https://api.groq.com/openai/v1/audio/transcriptions",
		model:      model,
		sampleRate: 44100,
	}
}

func (s *Groq) SetSampleRate(rate int) { s.sampleRate = rate }

func (s *Groq) Transcribe(ctx context.Context, clip *orchestrator.AudioClip, sessionID string) (string, error) {
	if clip.Empty() {
		return "", nil
	}

	wavData := audio.NewWavBuffer(clip.Data, s.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("groq stt error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrFormat, err)
	}
	return result.Text, nil
}

func (s *Groq) Name() string { return "groq-stt" }
