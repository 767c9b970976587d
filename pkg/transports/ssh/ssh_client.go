package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single multiplexed connection.
// Every command and SFTP transfer opens its own channel on it.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}

	lastUsed atomic.Int64
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient validates config and returns a disconnected client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: log.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the connection. An existing connection is reused
// while it still answers a health check.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		e := newTransportError("connect", err, false)
		e.IsAuthError = true
		return e
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.touch()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// connectDirect dials the target host.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return newTransportError("connect", err, true)
	}

	client, err := handshake(conn, address, clientConfig)
	if err != nil {
		return err
	}

	c.client = client
	c.logger.Info().Msg("SSH connection established")
	return nil
}

// connectViaProxy reaches the target through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.buildProxyClientConfig()
	if err != nil {
		e := newTransportError("connect-proxy", fmt.Errorf("failed to build proxy config: %w", err), false)
		e.IsAuthError = true
		return e
	}

	proxyAddress := c.config.ProxyAddress()
	c.logger.Debug().Str("proxy", proxyAddress).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	proxyConn, err := dialer.DialContext(ctx, "tcp", proxyAddress)
	if err != nil {
		return newTransportError("connect-proxy", err, true)
	}
	proxyClient, err := handshake(proxyConn, proxyAddress, proxyConfig)
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	targetConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return newTransportError("connect-via-proxy", err, true)
	}

	client, err := handshake(targetConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyClient.Close()
		return err
	}

	c.client = client
	c.proxy = proxyClient
	c.logger.Info().Str("proxy", proxyAddress).Msg("SSH connection established via proxy")
	return nil
}

func handshake(conn net.Conn, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		e := newTransportError("handshake", err, false)
		e.IsAuthError = true
		return nil, e
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Disconnect closes the connection and the jump host connection, if any.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return newTransportError("disconnect", err, false)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return newTransportError("healthcheck", fmt.Errorf("not connected"), false)
	}
	return c.healthCheckLocked()
}

// healthCheckLocked runs "true" on the host. The caller holds connMu.
func (c *SSHClient) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return newTransportError("healthcheck", err, true)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return newTransportError("healthcheck", err, true)
	}
	return nil
}

// keepAlive sends keepalive@openssh.com requests until stop is closed or
// too many requests in a row failed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		failures = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	info := ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		Proxy:       c.config.ProxyAddress(),
		ConnectedAt: c.connectedAt,
	}
	if ns := c.lastUsed.Load(); ns != 0 {
		info.LastActivity = time.Unix(0, ns)
	}
	return info
}

// getClient returns the live connection for executor and file transfer use.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, newTransportError("get-client", fmt.Errorf("not connected"), true)
	}
	c.touch()
	return c.client, nil
}

func (c *SSHClient) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}
