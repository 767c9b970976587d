package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/protocol"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on for ListenAndServe.
	Address string

	// HelloTimeout bounds the wait for the first message of a connection.
	HelloTimeout time.Duration
	WriteTimeout time.Duration

	Logger zerolog.Logger
}

// Server is a minimal coordinator. It keeps the complete desired state,
// hands every agent the workloads assigned to it and relays execution
// states between agents.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	states *engine.StateTable

	mu      sync.Mutex
	desired []engine.WorkloadSpec
	agents  map[string]*agentConn
	results map[string]engine.BatchResult
}

// AgentInfo describes a connected agent.
type AgentInfo struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Runtimes    []string          `json:"runtimes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Remote      string            `json:"remote"`
	ConnectedAt time.Time         `json:"connectedAt"`
}

type agentConn struct {
	info AgentInfo
	conn net.Conn
	enc  *protocol.Encoder
}

// NewServer creates a coordinator with empty desired state.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "coordinator").Logger(),
		states:  engine.NewStateTable(),
		agents:  make(map[string]*agentConn),
		results: make(map[string]engine.BatchResult),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts agent connections on ln until ctx is canceled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("address", ln.Addr().String()).Msg("Coordinator listening")

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll("coordinator shutting down")
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// SubmitDesiredState replaces or amends the complete desired state and
// pushes every connected agent its share as a replace batch.
func (s *Server) SubmitDesiredState(_ context.Context, batch *engine.Batch) error {
	for _, spec := range batch.Workloads {
		if spec.Name == "" {
			return engine.NewConfigError("workload without a name")
		}
		if spec.Agent == "" {
			return engine.NewConfigError(fmt.Sprintf("workload %s is not assigned to an agent", spec.Name), spec.Name)
		}
	}

	s.mu.Lock()
	if batch.Replace {
		s.desired = append([]engine.WorkloadSpec(nil), batch.Workloads...)
	} else {
		s.desired = mergeSpecs(s.desired, batch.Workloads, batch.Tombstones)
	}
	total := len(s.desired)
	conns := s.connsLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("request_id", batch.RequestID).
		Int("workloads", total).
		Int("agents", len(conns)).
		Msg("Desired state updated")

	for _, ac := range conns {
		if err := s.sendDesired(ac); err != nil {
			s.logger.Warn().Err(err).Str("agent", ac.info.Name).Msg("Failed to push update")
		}
	}
	return nil
}

// Desired returns a copy of the complete desired state.
func (s *Server) Desired() []engine.WorkloadSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.WorkloadSpec(nil), s.desired...)
}

// Agents lists connected agents sorted by name.
func (s *Server) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentInfo, 0, len(s.agents))
	for _, ac := range s.agents {
		out = append(out, ac.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// States returns the latest reported state of every workload.
func (s *Server) States() []engine.ExecutionState {
	return s.states.List()
}

// LastResult returns the last batch result reported by an agent.
func (s *Server) LastResult(agent string) (engine.BatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[agent]
	return r, ok
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	defer conn.Close()

	dec := protocol.NewDecoder(conn)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	hello, err := dec.DecodeHello()
	if err != nil {
		logger.Warn().Err(err).Msg("Handshake failed")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ac := &agentConn{
		info: AgentInfo{
			Name:        hello.Agent,
			Version:     hello.Version,
			Runtimes:    hello.Runtimes,
			Metadata:    hello.Metadata,
			Remote:      conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		},
		conn: conn,
		enc:  protocol.NewEncoder(&deadlineWriter{conn: conn, timeout: s.cfg.WriteTimeout}),
	}
	logger = logger.With().Str("agent", hello.Agent).Logger()

	s.mu.Lock()
	if prev, ok := s.agents[hello.Agent]; ok {
		logger.Warn().Msg("Agent reconnected, dropping previous connection")
		_ = prev.conn.Close()
	}
	s.agents[hello.Agent] = ac
	s.mu.Unlock()
	defer s.unregister(ac)

	logger.Info().Str("version", hello.Version).Strs("runtimes", hello.Runtimes).Msg("Agent connected")

	if err := s.sendDesired(ac); err != nil {
		logger.Warn().Err(err).Msg("Failed to send desired state")
		return
	}
	for _, st := range s.states.List() {
		if st.Agent == hello.Agent {
			continue
		}
		if err := ac.enc.EncodeExternalState(&st); err != nil {
			logger.Warn().Err(err).Msg("Failed to send external states")
			return
		}
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Connection lost")
			}
			return
		}

		switch msg.Type {
		case protocol.MessageTypeState:
			var st engine.ExecutionState
			if err := protocol.ParseData(msg.Data, &st); err != nil {
				logger.Warn().Err(err).Msg("Dropping malformed state")
				continue
			}
			st.Agent = hello.Agent
			if err := protocol.ValidateState(&st); err != nil {
				logger.Warn().Err(err).Msg("Dropping invalid state")
				continue
			}
			if s.states.Record(st) {
				s.relay(st)
			}

		case protocol.MessageTypeResult:
			var result engine.BatchResult
			if err := protocol.ParseData(msg.Data, &result); err != nil {
				logger.Warn().Err(err).Msg("Dropping malformed result")
				continue
			}
			if !result.Accepted {
				logger.Warn().Str("request_id", result.RequestID).Str("code", result.Code).Str("error", result.Error).Msg("Agent rejected update")
			} else {
				logger.Debug().Str("request_id", result.RequestID).Msg("Agent accepted update")
			}
			s.mu.Lock()
			s.results[hello.Agent] = result
			s.mu.Unlock()

		case protocol.MessageTypeBye:
			var bye protocol.ByeMessage
			_ = protocol.ParseData(msg.Data, &bye)
			logger.Info().Str("reason", bye.Reason).Msg("Agent said bye")
			return

		default:
			logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unexpected message")
		}
	}
}

// sendDesired pushes the agent's share of the desired state.
func (s *Server) sendDesired(ac *agentConn) error {
	s.mu.Lock()
	batch := &engine.Batch{
		RequestID: "coordinator-" + uuid.NewString(),
		Replace:   true,
	}
	for _, spec := range s.desired {
		if spec.Agent == ac.info.Name {
			batch.Workloads = append(batch.Workloads, spec)
		}
	}
	s.mu.Unlock()

	return ac.enc.EncodeUpdate(batch)
}

// relay forwards a state to every agent except the one hosting it.
func (s *Server) relay(st engine.ExecutionState) {
	s.mu.Lock()
	conns := s.connsLocked()
	s.mu.Unlock()

	for _, ac := range conns {
		if ac.info.Name == st.Agent {
			continue
		}
		if err := ac.enc.EncodeExternalState(&st); err != nil {
			s.logger.Warn().Err(err).Str("agent", ac.info.Name).Str("workload", st.Workload).Msg("Failed to relay state")
		}
	}
}

func (s *Server) connsLocked() []*agentConn {
	out := make([]*agentConn, 0, len(s.agents))
	for _, ac := range s.agents {
		out = append(out, ac)
	}
	return out
}

func (s *Server) unregister(ac *agentConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[ac.info.Name] == ac {
		delete(s.agents, ac.info.Name)
		s.logger.Info().Str("agent", ac.info.Name).Msg("Agent disconnected")
	}
}

func (s *Server) closeAll(reason string) {
	s.mu.Lock()
	conns := s.connsLocked()
	s.mu.Unlock()

	for _, ac := range conns {
		_ = ac.enc.EncodeBye(reason)
		_ = ac.conn.Close()
	}
}

// mergeSpecs applies an incremental batch to the desired state.
func mergeSpecs(current, changed []engine.WorkloadSpec, tombstones []string) []engine.WorkloadSpec {
	index := make(map[string]int, len(current))
	out := make([]engine.WorkloadSpec, 0, len(current)+len(changed))
	for _, spec := range current {
		index[spec.Name] = len(out)
		out = append(out, spec)
	}
	for _, spec := range changed {
		if i, ok := index[spec.Name]; ok {
			out[i] = spec
			continue
		}
		index[spec.Name] = len(out)
		out = append(out, spec)
	}
	if len(tombstones) == 0 {
		return out
	}

	drop := make(map[string]bool, len(tombstones))
	for _, name := range tombstones {
		drop[name] = true
	}
	kept := out[:0]
	for _, spec := range out {
		if !drop[spec.Name] {
			kept = append(kept, spec)
		}
	}
	return kept
}
