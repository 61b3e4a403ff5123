// Package gemini calls the hosted generateContent endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"zirak-chat/internal/models"
)

// HistoryWindow is how many prior messages are sent for context.
const HistoryWindow = 6

const (
	roleUser  = "user"
	roleModel = "model"
)

// ErrMalformedResponse means the endpoint answered 2xx without a usable candidate.
var ErrMalformedResponse = errors.New("gemini: malformed response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status=%d body=%s", e.Code, e.Body)
}

// Part is a text fragment of a content entry.
type Part struct {
	Text string `json:"text"`
}

// Content is one role-tagged entry of the request.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type request struct {
	Contents []Content `json:"contents"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []Part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Reply is the generated text and the reported total token count.
type Reply struct {
	Text        string
	TotalTokens int64
}

type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for endpoint, the full generateContent URL.
// httpClient may be nil.
func NewClient(endpoint, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

// BuildContents assembles the request body: the last HistoryWindow messages
// of history, then one user entry carrying the instruction and the prompt.
func BuildContents(prompt string, history []models.ChatMessage, instruction string) []Content {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}

	contents := make([]Content, 0, len(history)+1)
	for _, m := range history {
		role := roleModel
		if m.Role == models.RoleUser {
			role = roleUser
		}
		contents = append(contents, Content{Role: role, Parts: []Part{{Text: m.Content}}})
	}
	contents = append(contents, Content{
		Role:  roleUser,
		Parts: []Part{{Text: fmt.Sprintf("Instruction: %s\nInput: %s", instruction, prompt)}},
	})
	return contents
}

// Generate sends one turn and returns the first candidate's text.
func (c *Client) Generate(ctx context.Context, prompt string, history []models.ChatMessage, instruction string) (Reply, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	b, err := json.Marshal(request{Contents: BuildContents(prompt, history, instruction)})
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Reply{}, ErrMalformedResponse
	}

	reply := Reply{Text: parsed.Candidates[0].Content.Parts[0].Text}
	if parsed.UsageMetadata != nil {
		reply.TotalTokens = parsed.UsageMetadata.TotalTokenCount
	}
	return reply, nil
}
