package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

// Deepgram calls Deepgram's pre-recorded transcription endpoint with
// raw linear PCM, skipping the WAV container the REST-upload vendors
// require.
type Deepgram struct {
	apiKey     string
	url        string
	sampleRate int
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, url: "https://api.deepgram.com/v1/listen", sampleRate: 44100}
}

func (s *Deepgram) SetSampleRate(rate int) { s.sampleRate = rate }
func (s *Deepgram) Name() string           { return "deepgram-stt" }

func (s *Deepgram) Transcribe(ctx context.Context, clip *orchestrator.AudioClip, sessionID string) (string, error) {
	if clip.Empty() {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"?model=nova-2&smart_format=true", bytes.NewReader(clip.Data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", s.sampleRate))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrFormat, err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
