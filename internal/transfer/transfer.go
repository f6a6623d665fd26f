// Package transfer moves files to the virtualization host over SFTP and
// runs import commands there over SSH.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/cyberlab/labd/internal/config"
)

type Client struct {
	cfg config.TransferConfig
	log *slog.Logger
}

func New(cfg config.TransferConfig, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, log: logger}
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // staging host is known out of band
		Timeout:         30 * time.Second,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Upload streams r to remotePath on the staging host.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("open sftp channel: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	c.log.Info("file_uploaded", slog.String("remote_path", remotePath), slog.Int64("bytes", n))
	return nil
}

// Exec runs a single shell command on the staging host and returns its
// combined output. A nonzero exit status is returned as an error alongside
// the captured output. The command is bounded by the configured timeout.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	if c.cfg.CommandTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.CommandTimeoutSeconds)*time.Second)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		// Tearing down the connection unblocks CombinedOutput.
		_ = conn.Close()
		return "", fmt.Errorf("remote command timed out: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("remote command failed: %w", res.err)
		}
		return string(res.out), nil
	}
}
