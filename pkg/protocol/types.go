// Package protocol defines the JSON-lines protocol spoken between agents
// and the coordinator.
//
// Every line is a Message envelope. After connecting, the agent sends
// HELLO. The coordinator answers with UPDATE batches and relays the states
// of workloads hosted elsewhere as EXTERNAL_STATE. The agent answers each
// UPDATE with RESULT and streams STATE reports. Either side may send BYE
// before closing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// Version is the protocol version announced in HELLO.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello is the first message of an agent
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeUpdate carries a desired-state batch to an agent
	MessageTypeUpdate MessageType = "UPDATE"
	// MessageTypeResult acknowledges or rejects a batch
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeState reports an execution state of a local workload
	MessageTypeState MessageType = "STATE"
	// MessageTypeExternalState relays the state of a workload on another agent
	MessageTypeExternalState MessageType = "EXTERNAL_STATE"
	// MessageTypeBye announces a clean disconnect
	MessageTypeBye MessageType = "BYE"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage identifies an agent to the coordinator.
type HelloMessage struct {
	Agent    string            `json:"agent"`
	Version  string            `json:"version"`
	Protocol string            `json:"protocol"`
	PID      int               `json:"pid"`
	Runtimes []string          `json:"runtimes,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ByeMessage is sent before a side closes the connection.
type ByeMessage struct {
	Reason string `json:"reason"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeUpdate, MessageTypeResult,
		MessageTypeState, MessageTypeExternalState, MessageTypeBye:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the hello message is valid.
func (h *HelloMessage) Validate() error {
	if h.Agent == "" {
		return fmt.Errorf("agent name is required")
	}
	if h.Protocol != "" && h.Protocol != Version {
		return fmt.Errorf("unsupported protocol version %s", h.Protocol)
	}
	return nil
}

// ValidateBatch checks the envelope of an UPDATE. Workload specs are
// validated by the agent when the batch is applied.
func ValidateBatch(b *engine.Batch) error {
	if b.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	return nil
}

// ValidateResult checks a RESULT payload.
func ValidateResult(r *engine.BatchResult) error {
	if r.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if !r.Accepted && r.Error == "" {
		return fmt.Errorf("rejected result requires an error")
	}
	return nil
}

// ValidateState checks a STATE or EXTERNAL_STATE payload.
func ValidateState(st *engine.ExecutionState) error {
	if st.Workload == "" {
		return fmt.Errorf("workload is required")
	}
	if err := st.State.Validate(); err != nil {
		return err
	}
	if st.Generation == 0 {
		return fmt.Errorf("generation must be positive")
	}
	return nil
}
