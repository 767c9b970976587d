// Package coordinator links agents to the coordinator that distributes
// desired state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/protocol"
)

// DefaultWriteTimeout bounds a single protocol write.
const DefaultWriteTimeout = 10 * time.Second

// ErrNotConnected is returned by reports made while no connection is up.
// The engine forwarder keeps such reports queued and retries.
var ErrNotConnected = errors.New("not connected to coordinator")

// Applier is the part of the dispatcher the client drives.
type Applier interface {
	Apply(ctx context.Context, batch *engine.Batch) error
	ObserveExternalState(st engine.ExecutionState) bool
	States() []engine.ExecutionState
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Address is host:port of the coordinator.
	Address string

	// Agent is announced in HELLO.
	Agent    string
	Version  string
	Runtimes []string

	// Metadata is sent in HELLO. The hostname is added when missing.
	Metadata map[string]string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration

	Logger zerolog.Logger
}

// Client is the agent side of the coordinator link. It implements
// engine.Upstream.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
	dialer net.Dialer

	mu  sync.RWMutex
	enc *protocol.Encoder
}

var _ engine.Upstream = (*Client)(nil)

// NewClient creates a client. Run connects it.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}
	if cfg.Agent == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = 30 * cfg.ReconnectInitial
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "coordinator-client").Str("coordinator", cfg.Address).Logger(),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}, nil
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc != nil
}

// ReportExecutionState sends a STATE message.
func (c *Client) ReportExecutionState(_ context.Context, st engine.ExecutionState) error {
	enc := c.encoder()
	if enc == nil {
		return ErrNotConnected
	}
	return enc.EncodeState(&st)
}

// ReportBatchResult sends a RESULT message.
func (c *Client) ReportBatchResult(_ context.Context, result engine.BatchResult) error {
	enc := c.encoder()
	if enc == nil {
		return ErrNotConnected
	}
	return enc.EncodeResult(&result)
}

func (c *Client) encoder() *protocol.Encoder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc
}

// Run keeps a session with the coordinator until ctx is canceled,
// reconnecting with exponential backoff. Updates are applied in the order
// they are received.
func (c *Client) Run(ctx context.Context, applier Applier) error {
	for {
		conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
			return c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn().Err(err).Dur("retry_in", next).Msg("Failed to connect to coordinator")
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to coordinator: %w", err)
		}

		started := time.Now()
		err = c.session(ctx, conn, applier)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Dur("uptime", time.Since(started)).Msg("Coordinator connection lost")

		// a coordinator that drops us right away must not be redialed in a loop
		timer := time.NewTimer(c.cfg.ReconnectInitial)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.Multiplier = 2
	return b
}

// session runs one connection: HELLO, a resync of every local state, then
// the read loop.
func (c *Client) session(ctx context.Context, conn net.Conn, applier Applier) error {
	enc := protocol.NewEncoder(&deadlineWriter{conn: conn, timeout: c.cfg.WriteTimeout})
	dec := protocol.NewDecoder(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = enc.EncodeBye("agent shutting down")
		case <-done:
		}
		_ = conn.Close()
	}()

	metadata := maps.Clone(c.cfg.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	if _, ok := metadata["hostname"]; !ok {
		metadata["hostname"], _ = os.Hostname()
	}
	hello := &protocol.HelloMessage{
		Agent:    c.cfg.Agent,
		Version:  c.cfg.Version,
		Protocol: protocol.Version,
		PID:      os.Getpid(),
		Runtimes: c.cfg.Runtimes,
		Metadata: metadata,
	}
	if err := enc.EncodeHello(hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	for _, st := range applier.States() {
		if err := enc.EncodeState(&st); err != nil {
			return fmt.Errorf("failed to resync states: %w", err)
		}
	}

	c.mu.Lock()
	c.enc = enc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.enc = nil
		c.mu.Unlock()
	}()

	c.logger.Info().Msg("Connected to coordinator")

	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("coordinator closed the connection")
			}
			return err
		}

		switch msg.Type {
		case protocol.MessageTypeUpdate:
			c.handleUpdate(ctx, enc, msg, applier)

		case protocol.MessageTypeExternalState:
			var st engine.ExecutionState
			if err := protocol.ParseData(msg.Data, &st); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed external state")
				continue
			}
			if err := protocol.ValidateState(&st); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping invalid external state")
				continue
			}
			applier.ObserveExternalState(st)

		case protocol.MessageTypeBye:
			var bye protocol.ByeMessage
			_ = protocol.ParseData(msg.Data, &bye)
			return fmt.Errorf("coordinator said bye: %s", bye.Reason)

		default:
			c.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unexpected message")
		}
	}
}

// handleUpdate applies one batch. The dispatcher reports the outcome
// through the forwarder; only batches that cannot be decoded are answered
// here.
func (c *Client) handleUpdate(ctx context.Context, enc *protocol.Encoder, msg *protocol.Message, applier Applier) {
	var batch engine.Batch
	err := protocol.ParseData(msg.Data, &batch)
	if err == nil {
		err = protocol.ValidateBatch(&batch)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Rejecting malformed update")
		if batch.RequestID != "" {
			_ = enc.EncodeResult(&engine.BatchResult{
				RequestID: batch.RequestID,
				Error:     err.Error(),
				Code:      engine.ErrCodeValidation,
				Timestamp: time.Now(),
			})
		}
		return
	}

	c.logger.Debug().
		Str("request_id", batch.RequestID).
		Int("workloads", len(batch.Workloads)).
		Int("tombstones", len(batch.Tombstones)).
		Bool("replace", batch.Replace).
		Msg("Received update")

	if err := applier.Apply(ctx, &batch); err != nil {
		c.logger.Warn().Err(err).Str("request_id", batch.RequestID).Msg("Update rejected")
	}
}

// deadlineWriter bounds every write on a connection.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}
