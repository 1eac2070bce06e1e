package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/auth"
	"github.com/dluong/bloomshop/internal/circuitbreaker"
	"github.com/dluong/bloomshop/pkg/models"
)

// ErrSessionExpired means a 401 could not be recovered by a token refresh.
// The credential store has already been cleared when this is returned.
var ErrSessionExpired = errors.New("session expired, sign in again")

// APIError carries a server-rejected business error verbatim, with no
// client-side re-interpretation.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Client talks to the shop backend. Every authenticated call carries a bearer
// token from the credential store; a 401 triggers exactly one shared refresh
// that concurrent failing calls wait on, then one retry of the original
// request. Outbound calls run through a circuit breaker per endpoint group.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      auth.Store
	breakers   *circuitbreaker.Manager
	logger     *logrus.Logger

	refreshMu sync.Mutex
}

func NewClient(baseURL string, creds auth.Store, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		creds:    creds,
		breakers: circuitbreaker.NewManager(logger),
		logger:   logger,
	}
}

func (c *Client) breaker(group string) *circuitbreaker.Breaker {
	return c.breakers.GetOrCreate(group, circuitbreaker.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 2,
	})
}

// GetCart returns the server-side cart for the signed-in user.
func (c *Client) GetCart(ctx context.Context) ([]models.CartItem, error) {
	var resp models.CartResponse
	if err := c.call(ctx, "cart", http.MethodGet, "/api/cart", nil, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{StatusCode: http.StatusOK, Message: resp.Message}
	}
	return resp.Data, nil
}

// PutCart overwrites the server-side cart with the given items. Not a patch:
// the server's copy is replaced wholesale.
func (c *Client) PutCart(ctx context.Context, items []models.CartItem) error {
	if items == nil {
		items = []models.CartItem{}
	}
	body := map[string]interface{}{"items": items}
	return c.call(ctx, "cart", http.MethodPost, "/api/cart", nil, body, nil)
}

// CreateOrder submits a checkout. The idempotency key makes retries of the
// same attempt safe against double-creation.
func (c *Client) CreateOrder(ctx context.Context, req models.CreateOrderRequest, idempotencyKey string) (*models.OrderResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var resp models.OrderResponse
	if err := c.call(ctx, "orders", http.MethodPost, "/api/admin/orders", headers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateOrderStatus asks the backend to transition an order. Illegal
// transitions are rejected server-side and surfaced verbatim as an APIError.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	body := map[string]string{"status": string(status)}
	path := "/api/admin/orders/" + orderID + "/status"
	return c.call(ctx, "orders", http.MethodPut, path, nil, body, nil)
}

// MyOrders returns the buyer's own order history, newest first.
func (c *Client) MyOrders(ctx context.Context) ([]models.Order, error) {
	var resp struct {
		Success bool           `json:"success"`
		Orders  []models.Order `json:"orders"`
	}
	if err := c.call(ctx, "orders", http.MethodGet, "/api/admin/my-orders", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// Login exchanges credentials for a token pair and stores the triple.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.UserData, error) {
	body := map[string]string{"email": email, "password": password}
	var resp struct {
		Success      bool           `json:"success"`
		Message      string         `json:"message"`
		AccessToken  string         `json:"access_token"`
		RefreshToken string         `json:"refresh_token"`
		User         *auth.UserData `json:"user"`
	}
	if err := c.call(ctx, "auth", http.MethodPost, "/api/auth/login", nil, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{StatusCode: http.StatusOK, Message: resp.Message}
	}

	c.creds.Set(auth.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
	})
	return resp.User, nil
}

// Logout revokes the session server-side and clears local credentials either
// way.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, "auth", http.MethodPost, "/api/auth/logout", nil, nil, nil)
	c.creds.Clear()
	return err
}

// call runs one request through the endpoint group's breaker, handling the
// 401-refresh-retry cycle. Business rejections below 500 do not count against
// the breaker; only transport failures and server errors trip it.
func (c *Client) call(ctx context.Context, group, method, path string, headers map[string]string, body, out interface{}) error {
	var bizErr error
	err := c.breaker(group).Execute(func() error {
		bizErr = nil
		status, err := c.attempt(ctx, method, path, headers, body, out)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && status < http.StatusInternalServerError {
				bizErr = err
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return bizErr
}

// attempt issues the request once, with one refresh-and-retry on 401.
func (c *Client) attempt(ctx context.Context, method, path string, headers map[string]string, body, out interface{}) (int, error) {
	status, err := c.do(ctx, method, path, headers, body, out, c.creds.Credentials().AccessToken)
	if err != nil || status != http.StatusUnauthorized {
		return status, err
	}

	token, refreshErr := c.refreshToken(ctx)
	if refreshErr != nil {
		return status, refreshErr
	}

	status, err = c.do(ctx, method, path, headers, body, out, token)
	if err != nil {
		return status, err
	}
	if status == http.StatusUnauthorized {
		// The refreshed token is no good either; drop the session.
		c.creds.Clear()
		return status, ErrSessionExpired
	}
	return status, nil
}

// do issues a single request. A 401 is reported through the returned status,
// not as an error, so the caller can decide whether to refresh; every other
// non-2xx becomes an APIError with the server's message verbatim.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out interface{}, token string) (int, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// refreshToken performs the single shared refresh. Concurrent 401s serialize
// on the mutex; whoever arrives after a refresh already happened just reuses
// the fresh token instead of spending the refresh token again.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	failed := c.creds.Credentials().AccessToken

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.creds.Credentials()
	if current.AccessToken != "" && current.AccessToken != failed {
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		c.creds.Clear()
		return "", ErrSessionExpired
	}

	c.logger.Debug("Refreshing access token")

	body := map[string]string{"refresh_token": current.RefreshToken}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/auth/refresh-token", nil, body, &resp, "")
	if err != nil || status == http.StatusUnauthorized || resp.AccessToken == "" {
		c.creds.Clear()
		c.logger.WithError(err).Info("Token refresh failed, session cleared")
		return "", ErrSessionExpired
	}

	c.creds.SetAccessToken(resp.AccessToken)
	return resp.AccessToken, nil
}
