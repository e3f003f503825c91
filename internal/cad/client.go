// Package cad talks to the local CAD-tool integration service over its
// HTTP IPC port. The service wraps the CAD application, so calls are
// slow and the service tolerates only one property write per file at a
// time; this client serializes in-flight calls per path.
package cad

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
)

// CAD exports can regenerate large assemblies; the timeout is sized
// for that, not for the property calls.
const ipcTimeout = 5 * time.Minute

// Properties is one configuration's property map.
type Properties map[string]string

// Client is safe for concurrent use; calls for the same path are
// serialized, calls for different paths proceed in parallel.
type Client struct {
	http   *resty.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func NewClient(serviceURL string, logger *slog.Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(serviceURL, "/")).
		SetTimeout(ipcTimeout)

	return &Client{
		http:     c,
		logger:   logger,
		inflight: make(map[string]*sync.Mutex),
	}
}

// pathLock returns the mutex serializing calls for one absolute path.
func (c *Client) pathLock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.inflight[path]
	if !ok {
		lock = &sync.Mutex{}
		c.inflight[path] = lock
	}

	return lock
}

// GetProperties reads the custom properties of path. An empty config
// means the file-level (unconfigured) tab.
func (c *Client) GetProperties(ctx context.Context, path, config string) (Properties, error) {
	lock := c.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetQueryParam("config", config).
		Get("/properties")
	if err != nil {
		return nil, fmt.Errorf("%w: get properties: %v", pdmerrors.ErrNetwork, err)
	}
	if !resp.IsSuccess() {
		return nil, ipcError("get properties", resp)
	}

	props := make(Properties)
	gjson.GetBytes(resp.Body(), "properties").ForEach(func(key, value gjson.Result) bool {
		props[key.Str] = value.Str
		return true
	})

	return props, nil
}

// GetConfigurations lists the configuration names defined in path.
func (c *Client) GetConfigurations(ctx context.Context, path string) ([]string, error) {
	lock := c.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		Get("/configurations")
	if err != nil {
		return nil, fmt.Errorf("%w: get configurations: %v", pdmerrors.ErrNetwork, err)
	}
	if !resp.IsSuccess() {
		return nil, ipcError("get configurations", resp)
	}

	var configs []string
	gjson.GetBytes(resp.Body(), "configurations").ForEach(func(_, value gjson.Result) bool {
		configs = append(configs, value.Str)
		return true
	})

	return configs, nil
}

type setPropertiesRequest struct {
	Path       string     `json:"path"`
	Config     string     `json:"config,omitempty"`
	Properties Properties `json:"properties"`
}

// SetProperties writes props into path. The CAD tool rewrites the file
// on disk, so callers register the change with the watcher suppression
// before calling.
func (c *Client) SetProperties(ctx context.Context, path, config string, props Properties) error {
	lock := c.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(setPropertiesRequest{Path: path, Config: config, Properties: props}).
		Post("/properties")
	if err != nil {
		return fmt.Errorf("%w: set properties: %v", pdmerrors.ErrNetwork, err)
	}
	if !resp.IsSuccess() {
		return ipcError("set properties", resp)
	}

	c.logger.Debug("properties written",
		slog.String("path", path),
		slog.String("config", config),
		slog.Int("count", len(props)),
	)

	return nil
}

type exportRequest struct {
	Path    string            `json:"path"`
	Format  string            `json:"format"`
	Options map[string]string `json:"options,omitempty"`
}

// Export asks the CAD tool to export path into format and returns the
// absolute path of the produced file.
func (c *Client) Export(ctx context.Context, path, format string, options map[string]string) (string, error) {
	lock := c.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(exportRequest{Path: path, Format: format, Options: options}).
		Post("/export")
	if err != nil {
		return "", fmt.Errorf("%w: export: %v", pdmerrors.ErrNetwork, err)
	}
	if !resp.IsSuccess() {
		return "", ipcError("export", resp)
	}

	out := gjson.GetBytes(resp.Body(), "output_path").Str
	if out == "" {
		return "", fmt.Errorf("export reply missing output_path")
	}

	return out, nil
}

// ipcError prefers the service's own error text over the raw status.
func ipcError(op string, resp *resty.Response) error {
	msg := gjson.GetBytes(resp.Body(), "error").Str
	if msg == "" {
		msg = resp.Status()
	}

	return fmt.Errorf("cad service %s: %s", op, msg)
}
