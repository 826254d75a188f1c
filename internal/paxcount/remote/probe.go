package remote

import (
	"context"
	"fmt"
	"net"
)

// Probe reports whether the server accepts a TCP connection. No request is
// sent, so it neither needs nor spends a token.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShortTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.hostPort())
	if err != nil {
		return fmt.Errorf("probe %s: %w: %v", c.hostPort(), ErrTransport, err)
	}
	_ = conn.Close()
	return nil
}

func (c *Client) hostPort() string {
	if c.base.Port() != "" {
		return c.base.Host
	}
	port := "80"
	if c.base.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(c.base.Hostname(), port)
}
