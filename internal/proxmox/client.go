// Package proxmox is the production adapter behind provider.Provider. It
// talks to the Proxmox VE HTTP API for VM and SDN operations and to the
// node's shell, through a FileTransfer, for disk-image imports.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cyberlab/labd/internal/config"
	"github.com/cyberlab/labd/internal/provider"
)

// FileTransfer stages files on the virtualization host and runs import
// commands there. Satisfied by *transfer.Client in production.
type FileTransfer interface {
	Upload(ctx context.Context, r io.Reader, remotePath string) error
	Exec(ctx context.Context, command string) (string, error)
}

type Client struct {
	cfg       config.ProxmoxConfig
	remoteDir string
	maxUpload int64
	baseURL   string
	httpc     *http.Client
	transfer  FileTransfer
	log       *slog.Logger
	now       func() time.Time

	// allocMu serializes every read-then-decide allocation (VM IDs, zone
	// names) within this process. The backend offers no server-side lock,
	// so at least local races are closed here.
	allocMu sync.Mutex
}

func New(cfg config.Config, ft FileTransfer, logger *slog.Logger) *Client {
	httpc := &http.Client{Timeout: 60 * time.Second}
	if cfg.Proxmox.TLSInsecure {
		httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		cfg:       cfg.Proxmox,
		remoteDir: cfg.Transfer.RemoteDir,
		maxUpload: cfg.Upload.MaxSizeBytes,
		baseURL:   fmt.Sprintf("https://%s:%d/api2/json", cfg.Proxmox.Host, cfg.Proxmox.Port),
		httpc:     httpc,
		transfer:  ft,
		log:       logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ping verifies the session by indexing the configured node.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/nodes/"+c.cfg.Node, nil, nil)
}

// do performs one API call. params are form-encoded for mutating methods;
// out, when non-nil, receives the "data" field of the response envelope.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	var body io.Reader
	if params != nil {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request %s %s: %v", provider.ErrBackend, method, path, err)
	}
	req.Header.Set("Authorization", "PVEAPIToken="+c.cfg.APIToken)
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", provider.ErrBackend, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response of %s %s: %v", provider.ErrBackend, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: %s: %s", provider.ErrBackend, method, path, resp.Status, firstLine(raw))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decode response of %s %s: %v", provider.ErrBackend, method, path, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode data of %s %s: %v", provider.ErrBackend, method, path, err)
	}
	return nil
}

// waitForTask polls a task UPID until the backend reports it stopped.
// Anything but an OK exit status, or exceeding the configured timeout, is a
// backend error.
func (c *Client) waitForTask(ctx context.Context, upid string) error {
	poll := time.Duration(c.cfg.TaskPollMillis) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := c.now().Add(time.Duration(c.cfg.TaskTimeoutSeconds) * time.Second)

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", c.cfg.Node, url.PathEscape(upid))
	for {
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
			return err
		}
		if status.Status == "stopped" {
			if status.ExitStatus != "OK" {
				return fmt.Errorf("%w: task %s finished with %q", provider.ErrBackend, upid, status.ExitStatus)
			}
			return nil
		}
		if c.cfg.TaskTimeoutSeconds > 0 && c.now().After(deadline) {
			return fmt.Errorf("%w: task %s did not finish within %ds", provider.ErrBackend, upid, c.cfg.TaskTimeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for task %s: %v", provider.ErrBackend, upid, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// updateConfig changes a VM's configuration; the same call serves boot-order
// fixups after import and network-interface rebinding.
func (c *Client) updateConfig(ctx context.Context, vmid int, params url.Values) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid)
	return c.do(ctx, http.MethodPut, path, params, nil)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var _ provider.Provider = (*Client)(nil)
