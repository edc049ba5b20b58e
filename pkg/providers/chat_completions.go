package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/logger"
)

const defaultHTTPTimeout = 300 * time.Second

type chatCompletionsCaller struct {
	providerName string
	endpoint     string
	model        string
	choices      int
	auth         AuthStrategy
	httpClient   *http.Client
}

type callerSettings struct {
	endpoint string
	model    string
	choices  int
	proxy    string
	auth     AuthStrategy
}

func newChatCompletionsCaller(providerName string, s callerSettings) (*chatCompletionsCaller, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	endpoint := strings.TrimSpace(s.endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse %s endpoint: %w", providerName, err)
	}
	if s.auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy := strings.TrimSpace(s.proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	choices := s.choices
	if choices <= 0 {
		choices = 1
	}

	return &chatCompletionsCaller{
		providerName: providerName,
		endpoint:     endpoint,
		model:        strings.TrimSpace(s.model),
		choices:      choices,
		auth:         s.auth,
		httpClient:   client,
	}, nil
}

func (p *chatCompletionsCaller) Call(ctx context.Context, messages []chat.Message, fn *chat.Function) (*chat.Completion, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	requestBody := map[string]interface{}{
		"messages": messages,
	}
	if p.model != "" {
		requestBody["model"] = p.model
	}
	if p.choices > 1 {
		requestBody["n"] = p.choices
	}
	if fn != nil {
		requestBody["functions"] = []chat.Function{*fn}
		requestBody["function_call"] = map[string]string{"name": fn.Name}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}

	logger.DebugCF("providers", "Calling chat completions", map[string]interface{}{
		"provider": p.providerName,
		"messages": len(messages),
		"function": functionName(fn),
	})

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", p.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(p.providerName, extractAPIError(body))
		return nil, fmt.Errorf("%s API request failed: status=%d error=%s", p.providerName, resp.StatusCode, msg)
	}

	result, err := parseChatCompletionsResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	return result, nil
}

func functionName(fn *chat.Function) string {
	if fn == nil {
		return ""
	}
	return fn.Name
}

func parseChatCompletionsResponse(body []byte) (*chat.Completion, error) {
	var apiResponse struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role         chat.Role          `json:"role"`
				Content      interface{}        `json:"content"`
				Name         string             `json:"name"`
				FunctionCall *chat.FunctionCall `json:"function_call"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *chat.Usage `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}

	if len(apiResponse.Choices) == 0 {
		return nil, chat.ErrNoChoices
	}

	completion := &chat.Completion{
		ID:      apiResponse.ID,
		Object:  apiResponse.Object,
		Created: apiResponse.Created,
		Model:   apiResponse.Model,
		Choices: make([]chat.Choice, 0, len(apiResponse.Choices)),
	}
	if apiResponse.Usage != nil {
		completion.Usage = *apiResponse.Usage
	}

	for _, c := range apiResponse.Choices {
		role := c.Message.Role
		if role == "" {
			role = chat.RoleAssistant
		}
		completion.Choices = append(completion.Choices, chat.Choice{
			Index: c.Index,
			Message: chat.Message{
				Role:         role,
				Content:      flattenMessageContent(c.Message.Content),
				Name:         c.Message.Name,
				FunctionCall: c.Message.FunctionCall,
			},
			FinishReason: c.FinishReason,
		})
	}
	return completion, nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			if code, ok := payload.Error.Code.(string); ok && code != "" {
				return code + ": " + msg
			}
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
