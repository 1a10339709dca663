package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"

	"github.com/iudanet/clinicsync/pkg/api"
)

var (
	// ErrUnauthorized агрегатор отклонил authToken узла (401)
	ErrUnauthorized = errors.New("aggregator rejected node credentials")
	// ErrForbidden синхронизация узла выключена или коллекция не синхронизируется (403)
	ErrForbidden = errors.New("aggregator refused sync for this node")
)

// StatusError ответ агрегатора с кодом вне 2xx
type StatusError struct {
	Message    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap позволяет сравнивать через errors.Is с ErrUnauthorized/ErrForbidden
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	}
	return nil
}

// Client представляет HTTP клиент узла для протокола синхронизации с агрегатором
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	baseURL    string
	nodeID     string
	token      string
	compress   bool
}

// NewClient создает новый API клиент
func NewClient(baseURL, nodeID, token string, timeout time.Duration, compress bool) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		nodeID:   nodeID,
		token:    token,
		compress: compress,
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Учетные данные узла сохраняются при редиректе
				if len(via) > 0 {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
					req.Header.Set(api.HeaderNodeID, via[0].Header.Get(api.HeaderNodeID))
				}
				return nil
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// Push отправляет батч изменений. Ответ содержит по одному outcome на syncId.
func (c *Client) Push(ctx context.Context, changes []api.Change) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.doRequest(ctx, http.MethodPost, "/sync/push", api.PushRequest{Changes: changes}, &resp); err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return &resp, nil
}

// Pull получает страницу дельт коллекции после since
func (c *Client) Pull(ctx context.Context, collection string, since int64, limit int) (*api.PullResponse, error) {
	query := url.Values{}
	query.Set("collection", collection)
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp api.PullResponse
	if err := c.doRequest(ctx, http.MethodGet, "/sync/pull?"+query.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp, nil
}

// Config получает конфигурацию синхронизации узла из реестра
func (c *Client) Config(ctx context.Context) (*api.NodeConfigResponse, error) {
	var resp api.NodeConfigResponse
	if err := c.doRequest(ctx, http.MethodGet, "/sync/config", nil, &resp); err != nil {
		return nil, fmt.Errorf("config request failed: %w", err)
	}
	return &resp, nil
}

// Conflicts получает текущие статусы конфликтов по их id.
// Агрегатор возвращает только известные ему конфликты, в которых участвует узел.
func (c *Client) Conflicts(ctx context.Context, ids []string) ([]api.Conflict, error) {
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))

	var resp api.ConflictListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/sync/conflicts?"+query.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("conflicts request failed: %w", err)
	}
	return resp.Conflicts, nil
}

// Subscribe открывает websocket подписку на уведомления о продвижении журнала.
// Соединение закрывает вызывающая сторона.
func (c *Client) Subscribe(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := websocketURL(c.baseURL + "/sync/subscribe")
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.authHeaders())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
			return nil, fmt.Errorf("subscribe failed: %w", &StatusError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	return conn, nil
}

func (c *Client) authHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	h.Set(api.HeaderNodeID, c.nodeID)
	return h
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var (
		bodyReader io.Reader
		compressed bool
	)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		if c.compress {
			jsonData = snappy.Encode(nil, jsonData)
			compressed = true
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = c.authHeaders()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set(api.HeaderContentEncoding, api.EncodingSnappy)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(respBody))
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			message = errResp.Error
			if errResp.Message != "" {
				message += ": " + errResp.Message
			}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: message}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid aggregator url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
