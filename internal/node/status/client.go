package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	nodeapi "github.com/iudanet/clinicsync/internal/node/api"
	"github.com/iudanet/clinicsync/pkg/api"
)

// Client читает node-local эндпоинты работающего узла.
// Bolt файл заблокирован процессом узла, поэтому операторские команды идут через HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient создает клиент. addr принимает host:port или полный URL.
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status возвращает отчет GET /sync/status
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/sync/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeadLetters возвращает записи в терминальном состоянии failed
func (c *Client) DeadLetters(ctx context.Context) ([]api.QueuedChange, error) {
	var resp api.QueuedChangeListResponse
	if err := c.do(ctx, http.MethodGet, "/sync/dead-letters", &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// Conflicts возвращает записи, отклоненные агрегатором как конфликт
func (c *Client) Conflicts(ctx context.Context) ([]api.QueuedChange, error) {
	var resp api.QueuedChangeListResponse
	if err := c.do(ctx, http.MethodGet, "/sync/conflicts", &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// RetryDeadLetter возвращает dead letter в очередь
func (c *Client) RetryDeadLetter(ctx context.Context, syncID string) error {
	return c.do(ctx, http.MethodPost, "/sync/dead-letters/"+url.PathEscape(syncID)+"/retry", nil)
}

func (c *Client) do(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node is not reachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(body))
		var errResp api.ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
			message = errResp.Message
		}
		return &nodeapi.StatusError{StatusCode: resp.StatusCode, Message: message}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
