package llamacpp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/menta2k/bbox-classifier/pkg/client"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// DefaultURL is used when no server URL is configured
const DefaultURL = "http://localhost:8080"

const (
	chatPath   = "/v1/chat/completions"
	healthPath = "/health"
)

// Client talks to the OpenAI compatible chat endpoint of a llama.cpp server
type Client struct {
	base *url.URL
	http *http.Client
}

var _ client.VisionClient = (*Client)(nil)

type chatPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string     `json:"role"`
	Content []chatPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// The reply content is a plain string on most server builds and a list of
// parts on some.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewClient creates a client for the server at serverURL. Any path in the URL
// is dropped.
func NewClient(serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("invalid URL %q: http or https scheme and a host are required", serverURL)
	}

	return &Client{
		base: &url.URL{Scheme: u.Scheme, Host: u.Host},
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// SimpleQuery sends one image with a prompt and returns the reply text
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.chat(ctx, chatRequest{
		Model:       model,
		Messages:    userMessage(prompt, imgB64),
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   2048,
	})
}

// ReviewLabel asks the model whether the image shows the class named in the
// prompt
func (c *Client) ReviewLabel(ctx context.Context, model, prompt, imgB64 string) (*types.LabelVerdict, error) {
	reply, err := c.chat(ctx, chatRequest{
		Model:       model,
		Messages:    userMessage(prompt, imgB64),
		Temperature: 0.1,
		TopP:        0.9,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		return nil, errors.New("empty response from llama.cpp server")
	}
	return client.ParseVerdict(reply), nil
}

// Health returns nil when the server reports that its model is loaded.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(healthPath), nil)
	if err != nil {
		return errors.Wrap(err, "create health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "llama.cpp server unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("llama.cpp server not ready: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}

func userMessage(prompt, imgB64 string) []chatMessage {
	parts := []chatPart{{Type: "text", Text: prompt}}
	if imgB64 != "" {
		parts = append(parts, chatPart{
			Type:     "image_url",
			ImageURL: &imageRef{URL: "data:image/jpeg;base64," + imgB64},
		})
	}
	return []chatMessage{{Role: "user", Content: parts}}
}

func (c *Client) chat(ctx context.Context, payload chatRequest) (string, error) {
	// CPU inference of vision models is slow
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(chatPath), bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "llama.cpp request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "parse response")
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return replyText(out.Choices[0].Message.Content)
}

func replyText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []chatPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		for _, p := range parts {
			if p.Text != "" {
				return p.Text, nil
			}
		}
	}
	return "", errors.New("no text content in response")
}
