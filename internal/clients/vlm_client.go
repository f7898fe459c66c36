/**
 * VLM Client - hosted document-reasoning model behind a Gradio API
 *
 * A call is two requests: POST the inputs to /gradio_api/call/{api} to get an
 * event id, then GET the same path plus the id and read the server-sent event
 * stream until a "complete" or "error" event arrives.
 */

package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/logging"
)

// VLMClient talks to a Gradio-hosted vision language model.
type VLMClient struct {
	baseURL    string
	apiName    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

type gradioFile struct {
	URL  string            `json:"url"`
	Meta map[string]string `json:"meta"`
}

type gradioCallRequest struct {
	Data []interface{} `json:"data"`
}

type gradioCallResponse struct {
	EventID string `json:"event_id"`
}

// NewVLMClient creates a client for baseURL. token may be empty for public spaces.
func NewVLMClient(baseURL, apiName, token string) *VLMClient {
	return &VLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiName: strings.Trim(apiName, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: logging.NewLogger("VLMClient"),
	}
}

// HealthCheck verifies the Gradio app answers its config endpoint.
func (c *VLMClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/config", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("VLM health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("VLM unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Query sends a PNG image and returns the outputs of the completed event.
func (c *VLMClient) Query(ctx context.Context, png []byte, temperature float64) ([]interface{}, error) {
	eventID, err := c.submit(ctx, png, temperature)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("VLM call submitted", "eventId", eventID, "imageSize", len(png))
	return c.await(ctx, eventID)
}

func (c *VLMClient) endpoint() string {
	return fmt.Sprintf("%s/gradio_api/call/%s", c.baseURL, c.apiName)
}

func (c *VLMClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *VLMClient) submit(ctx context.Context, png []byte, temperature float64) (string, error) {
	body, err := json.Marshal(gradioCallRequest{Data: []interface{}{
		gradioFile{
			URL:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			Meta: map[string]string{"_type": "gradio.FileData"},
		},
		temperature,
	}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to VLM failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("VLM returned error status %d: %s", resp.StatusCode, string(respBody))
	}

	var call gradioCallResponse
	if err := json.Unmarshal(respBody, &call); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if call.EventID == "" {
		return "", fmt.Errorf("VLM response has no event_id")
	}
	return call.EventID, nil
}

func (c *VLMClient) await(ctx context.Context, eventID string) ([]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint()+"/"+eventID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("VLM event stream failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("VLM returned error status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				var out []interface{}
				if err := json.Unmarshal([]byte(data), &out); err != nil {
					return nil, fmt.Errorf("failed to parse VLM output: %w", err)
				}
				return out, nil
			case "error":
				return nil, fmt.Errorf("VLM reported error: %s", data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read VLM event stream: %w", err)
	}
	return nil, fmt.Errorf("VLM event stream ended without a result")
}
