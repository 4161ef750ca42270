package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

type OpenAI struct {
	apiKey string
	url    string
	model  string
	memory *Memory
}

func NewOpenAI(apiKey, model string, memory *Memory) *OpenAI {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAI{apiKey: apiKey, url: "https://api.openai.com/v1/chat/completions", model: model, memory: memory}
}

func (l *OpenAI) Name() string { return "openai-agent" }

func (l *OpenAI) Process(ctx context.Context, transcript string, sessionID string) (orchestrator.AgentResponse, error) {
	l.memory.Append("user", transcript)
	history := l.memory.Snapshot()

	messages := make([]map[string]string, 0, len(history))
	for _, m := range history {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body, err := json.Marshal(map[string]interface{}{"model": l.model, "messages": messages})
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		err := fmt.Errorf("%w: openai status %d: %v", orchestrator.ErrAgentUnsuccessful, resp.StatusCode, errResp)
		return orchestrator.AgentResponse{Success: false, Err: err}, nil
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrFormat, err)
	}
	if len(result.Choices) == 0 {
		return orchestrator.AgentResponse{Success: false}, nil
	}

	text := result.Choices[0].Message.Content
	l.memory.Append("assistant", text)
	return orchestrator.AgentResponse{Text: text, Success: true}, nil
}
