// Package client implements the connection half of the protocol: an
// asynchronous HTTP client that issues resource operations against a server
// built from the same schema registry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/internal/store"
	appErrors "github.com/objectwire/objectwire/pkg/errors"
	"github.com/objectwire/objectwire/pkg/logger"
)

// DefaultTimeout bounds a single request when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Config carries the connection parameters for a Client.
type Config struct {
	// BaseURL is the server root, e.g. "https://api.example.com".
	BaseURL string
	// Registry must describe the same entities the server registers.
	Registry *schema.Registry

	// HTTPClient overrides the transport. Defaults to a fresh http.Client.
	HTTPClient *http.Client
	// LoginPath and SearchPrefix mirror the server's routing configuration.
	LoginPath    string
	SearchPrefix string
	Timeout      time.Duration
}

// Client issues protocol operations against one server. Methods are safe for
// concurrent use; the session token captured by Login is shared by all
// subsequent calls.
type Client struct {
	base         string
	registry     *schema.Registry
	http         *http.Client
	loginPath    string
	searchPrefix string
	timeout      time.Duration
	log          *zap.Logger

	mu    sync.RWMutex
	token string
}

// New validates the configuration and returns a connection.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("client: registry is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.SearchPrefix == "" {
		cfg.SearchPrefix = "/search"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		registry:     cfg.Registry,
		http:         httpClient,
		loginPath:    cfg.LoginPath,
		searchPrefix: cfg.SearchPrefix,
		timeout:      cfg.Timeout,
		log:          logger.WithModule("client"),
	}, nil
}

// Token returns the current session token, empty when logged out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken installs a previously obtained session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// LoginRequest carries the credentials for Login. Username and Password are
// optional; a client-only session is created when they are empty.
type LoginRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

// Login authenticates against the server and stores the returned token on the
// client for subsequent operations.
func (c *Client) Login(ctx context.Context, req LoginRequest, completion func(token string, err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		body, status, err := c.do(ctx, http.MethodPost, c.loginPath, req)
		if err != nil {
			call.finish(func() { completion("", err) })
			return
		}
		if status != http.StatusOK {
			call.finish(func() { completion("", appErrors.FromStatusCode(status)) })
			return
		}

		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
			call.finish(func() { completion("", appErrors.ErrInvalidServerResponse) })
			return
		}

		c.SetToken(resp.Token)
		call.finish(func() { completion(resp.Token, nil) })
	})
}

// Logout invalidates the current session and clears the stored token.
func (c *Client) Logout(ctx context.Context, completion func(err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		_, status, err := c.do(ctx, http.MethodPost, "/logout", nil)
		if err == nil && status != http.StatusOK {
			err = appErrors.FromStatusCode(status)
		}
		if err == nil {
			c.SetToken("")
		}
		call.finish(func() { completion(err) })
	})
}

// Get fetches one resource. The completion receives the permission-filtered
// property values keyed by name, including the identity attribute.
func (c *Client) Get(ctx context.Context, entityName string, resourceID int64, completion func(values map[string]any, err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		path, err := c.resourcePath(entityName, resourceID)
		if err != nil {
			call.finish(func() { completion(nil, err) })
			return
		}

		body, status, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			call.finish(func() { completion(nil, err) })
			return
		}
		if status != http.StatusOK {
			call.finish(func() { completion(nil, appErrors.FromStatusCode(status)) })
			return
		}

		values, err := decodeObject(body)
		call.finish(func() { completion(values, err) })
	})
}

// Create makes a new resource from the initial property values and reports the
// server-assigned resource ID.
func (c *Client) Create(ctx context.Context, entityName string, initial map[string]any, completion func(resourceID int64, err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		entity, _, ok := c.registry.Lookup(entityName)
		if !ok {
			call.finish(func() { completion(0, unknownEntity(entityName)) })
			return
		}

		body, status, err := c.do(ctx, http.MethodPost, "/"+entity.Path, initial)
		if err != nil {
			call.finish(func() { completion(0, err) })
			return
		}
		if status != http.StatusOK {
			call.finish(func() { completion(0, appErrors.FromStatusCode(status)) })
			return
		}

		values, err := decodeObject(body)
		if err != nil {
			call.finish(func() { completion(0, err) })
			return
		}
		id, ok := schema.NormalizeID(values[entity.IdentityAttribute])
		if !ok {
			call.finish(func() { completion(0, appErrors.ErrInvalidServerResponse) })
			return
		}
		call.finish(func() { completion(id, nil) })
	})
}

// Edit applies the changed values to an existing resource.
func (c *Client) Edit(ctx context.Context, entityName string, resourceID int64, changes map[string]any, completion func(err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		path, err := c.resourcePath(entityName, resourceID)
		if err != nil {
			call.finish(func() { completion(err) })
			return
		}

		_, status, err := c.do(ctx, http.MethodPut, path, changes)
		if err == nil && status != http.StatusOK {
			err = appErrors.FromStatusCode(status)
		}
		call.finish(func() { completion(err) })
	})
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, entityName string, resourceID int64, completion func(err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		path, err := c.resourcePath(entityName, resourceID)
		if err != nil {
			call.finish(func() { completion(err) })
			return
		}

		_, status, err := c.do(ctx, http.MethodDelete, path, nil)
		if err == nil && status != http.StatusOK {
			err = appErrors.FromStatusCode(status)
		}
		call.finish(func() { completion(err) })
	})
}

// PerformFunction invokes a schema function on a resource. The HTTP status of
// the reply carries the function code; err is set only for transport failures
// and statuses outside the function code set.
func (c *Client) PerformFunction(ctx context.Context, entityName string, resourceID int64, function string, payload map[string]any, completion func(code schema.FunctionCode, response map[string]any, err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		path, err := c.resourcePath(entityName, resourceID)
		if err != nil {
			call.finish(func() { completion(0, nil, err) })
			return
		}

		body, status, err := c.do(ctx, http.MethodPost, path+"/"+function, payload)
		if err != nil {
			call.finish(func() { completion(0, nil, err) })
			return
		}

		code, ok := functionCode(status)
		if !ok {
			call.finish(func() { completion(0, nil, appErrors.FromStatusCode(status)) })
			return
		}

		var response map[string]any
		if len(bytes.TrimSpace(body)) > 0 {
			if response, err = decodeObject(body); err != nil {
				call.finish(func() { completion(0, nil, err) })
				return
			}
		}
		call.finish(func() { completion(code, response, nil) })
	})
}

// Search posts a search descriptor and reports the matching resource IDs in
// the server's order.
func (c *Client) Search(ctx context.Context, entityName string, req store.SearchRequest, completion func(ids []int64, err error)) *Call {
	return c.run(ctx, func(ctx context.Context, call *Call) {
		entity, _, ok := c.registry.Lookup(entityName)
		if !ok {
			call.finish(func() { completion(nil, unknownEntity(entityName)) })
			return
		}

		body, status, err := c.do(ctx, http.MethodPost, c.searchPrefix+"/"+entity.Path, req)
		if err != nil {
			call.finish(func() { completion(nil, err) })
			return
		}
		if status != http.StatusOK {
			call.finish(func() { completion(nil, appErrors.FromStatusCode(status)) })
			return
		}

		var ids []int64
		if err := json.Unmarshal(body, &ids); err != nil {
			call.finish(func() { completion(nil, appErrors.ErrInvalidServerResponse) })
			return
		}
		call.finish(func() { completion(ids, nil) })
	})
}

// run spawns the request goroutine under a cancellable, deadline-bounded
// context tied to the returned Call.
func (c *Client) run(ctx context.Context, op func(ctx context.Context, call *Call)) *Call {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	call := newCall(cancel)
	go op(ctx, call)
	return call
}

// do sends one HTTP request and returns the raw body and status. Transport
// failures surface as ErrConnectivity with the cause attached.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, appErrors.Wrap(err, "encode request payload")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, "build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, 0, appErrors.ErrConnectivity.WithInternal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, appErrors.ErrConnectivity.WithInternal(err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) resourcePath(entityName string, resourceID int64) (string, error) {
	entity, _, ok := c.registry.Lookup(entityName)
	if !ok {
		return "", unknownEntity(entityName)
	}
	if resourceID <= 0 {
		return "", appErrors.NewBadRequest("resource ID must be positive")
	}
	return fmt.Sprintf("/%s/%d", entity.Path, resourceID), nil
}

func unknownEntity(name string) error {
	return appErrors.NewBadRequest(fmt.Sprintf("unknown entity %q", name))
}

func decodeObject(body []byte) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, appErrors.ErrInvalidServerResponse
	}
	return values, nil
}

func functionCode(status int) (schema.FunctionCode, bool) {
	switch schema.FunctionCode(status) {
	case schema.FunctionSuccess, schema.FunctionInvalidInput, schema.FunctionForbidden, schema.FunctionInternalError:
		return schema.FunctionCode(status), true
	default:
		return 0, false
	}
}
