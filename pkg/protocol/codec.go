package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 10 * 1024 * 1024

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msgBytes, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(msgBytes) >= MaxLineSize {
		return fmt.Errorf("message of %d bytes exceeds the line limit", len(msgBytes))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeHello sends a HELLO message.
func (e *Encoder) EncodeHello(hello *HelloMessage) error {
	if err := hello.Validate(); err != nil {
		return fmt.Errorf("invalid hello: %w", err)
	}
	return e.Encode(MessageTypeHello, hello)
}

// EncodeUpdate sends an UPDATE message.
func (e *Encoder) EncodeUpdate(batch *engine.Batch) error {
	if err := ValidateBatch(batch); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	return e.Encode(MessageTypeUpdate, batch)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(result *engine.BatchResult) error {
	if err := ValidateResult(result); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	return e.Encode(MessageTypeResult, result)
}

// EncodeState sends a STATE message.
func (e *Encoder) EncodeState(st *engine.ExecutionState) error {
	if err := ValidateState(st); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}
	return e.Encode(MessageTypeState, st)
}

// EncodeExternalState sends an EXTERNAL_STATE message.
func (e *Encoder) EncodeExternalState(st *engine.ExecutionState) error {
	if err := ValidateState(st); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}
	return e.Encode(MessageTypeExternalState, st)
}

// EncodeBye sends a BYE message.
func (e *Encoder) EncodeBye(reason string) error {
	return e.Encode(MessageTypeBye, &ByeMessage{Reason: reason})
}

// Decoder reads protocol messages from an io.Reader. It is not safe for
// concurrent use.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. It returns io.EOF
// when the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeHello reads a message and requires it to be a valid HELLO.
func (d *Decoder) DecodeHello() (*HelloMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type != MessageTypeHello {
		return nil, fmt.Errorf("expected HELLO message, got %s", msg.Type)
	}

	var hello HelloMessage
	if err := ParseData(msg.Data, &hello); err != nil {
		return nil, err
	}
	if err := hello.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}

	return &hello, nil
}

// ParseData parses a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("message has no data")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
