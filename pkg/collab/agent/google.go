package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

type Google struct {
	apiKey string
	url    string
	memory *Memory
}

func NewGoogle(apiKey, model string, memory *Memory) *Google {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Google{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		memory: memory,
	}
}

func (l *Google) Name() string { return "google-agent" }

type googleMessage struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func (l *Google) Process(ctx context.Context, transcript string, sessionID string) (orchestrator.AgentResponse, error) {
	l.memory.Append("user", transcript)
	history := l.memory.Snapshot()

	var contents []googleMessage
	for _, m := range history {
		role := m.Role
		if role == "system" {
			role = "user" // Gemini does not accept a system role in all models
		}
		if role == "assistant" {
			role = "model"
		}
		msg := googleMessage{Role: role}
		msg.Parts = append(msg.Parts, struct {
			Text string `json:"text"`
		}{Text: m.Content})
		contents = append(contents, msg)
	}

	body, err := json.Marshal(map[string]interface{}{"contents": contents})
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return orchestrator.AgentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		err := fmt.Errorf("%w: google status %d: %v", orchestrator.ErrAgentUnsuccessful, resp.StatusCode, errResp)
		return orchestrator.AgentResponse{Success: false, Err: err}, nil
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.AgentResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrFormat, err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return orchestrator.AgentResponse{Success: false}, nil
	}

	text := result.Candidates[0].Content.Parts[0].Text
	l.memory.Append("assistant", text)
	return orchestrator.AgentResponse{Text: text, Success: true}, nil
}
