package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

// Anthropic drives one Process call through Claude's messages API. The
// user turn is appended to memory before the request; the assistant
// reply is appended only on success.
type Anthropic struct {
	apiKey string
	url    string
	model  string
	memory *Memory
}

func NewAnthropic(apiKey, model string, memory *Memory) *Anthropic {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	return &Anthropic{apiKey: apiKey, url: "https://api.anthropic.com/v1/messages", model: model, memory: memory}
}

func (l *Anthropic) Name() string { return "anthropic-agent" }

func (l *Anthropic) Process(ctx context.Context, transcript string, sessionID string) (orchestrator.AgentResponse, error) {
	l.memory.Append("user", transcript)
	history := l.memory.Snapshot()

	var system string
	var anthropicMessages []map[string]string
	for _, msg := range history {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		anthropicMessages = append(anthropicMessages, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
	}
	if system != "" {
		payload["system"] = system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		err := fmt.Errorf("%w: anthropic status %d: %v", orchestrator.ErrAgentUnsuccessful, resp.StatusCode, errResp)
		return orchestrator.AgentResponse{Success: false, Err: err}, nil
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrFormat, err)
	}
	if len(result.Content) == 0 {
		return orchestrator.AgentResponse{Success: false}, nil
	}

	text := result.Content[0].Text
	l.memory.Append("assistant", text)
	return orchestrator.AgentResponse{Text: text, Success: true}, nil
}
