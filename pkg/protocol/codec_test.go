package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode hello message",
			msgType: MessageTypeHello,
			data: &HelloMessage{
				Agent:    "agent_A",
				Version:  "0.3.0",
				Protocol: Version,
				PID:      1234,
				Runtimes: []string{"podman", "process"},
			},
		},
		{
			name:    "encode update message",
			msgType: MessageTypeUpdate,
			data: &engine.Batch{
				RequestID: "req-1",
				Workloads: []engine.WorkloadSpec{{Name: "web", Runtime: "podman"}},
				Replace:   true,
			},
		},
		{
			name:    "encode state message",
			msgType: MessageTypeState,
			data: &engine.ExecutionState{
				Workload:   "web",
				State:      engine.StateRunning,
				Generation: 3,
			},
		},
		{
			name:    "encode bye message",
			msgType: MessageTypeBye,
			data:    &ByeMessage{Reason: "shutdown"},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if !strings.HasSuffix(buf.String(), "\n") || strings.Count(buf.String(), "\n") != 1 {
					t.Errorf("Expected exactly one line, got %q", buf.String())
				}
				var msg Message
				if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
				if msg.Timestamp.IsZero() {
					t.Error("Expected a timestamp")
				}
			}
		})
	}
}

func TestEncoder_TypedHelpers(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeHello(&HelloMessage{}); err == nil {
		t.Error("Expected error for hello without agent")
	}
	if err := enc.EncodeUpdate(&engine.Batch{}); err == nil {
		t.Error("Expected error for update without request ID")
	}
	if err := enc.EncodeResult(&engine.BatchResult{RequestID: "r"}); err == nil {
		t.Error("Expected error for rejected result without error")
	}
	if err := enc.EncodeState(&engine.ExecutionState{Workload: "w", State: "Sleeping", Generation: 1}); err == nil {
		t.Error("Expected error for invalid state")
	}
	if err := enc.EncodeExternalState(&engine.ExecutionState{Workload: "w", State: engine.StateFailed}); err == nil {
		t.Error("Expected error for zero generation")
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing written for invalid messages, got %q", buf.String())
	}

	if err := enc.EncodeResult(&engine.BatchResult{RequestID: "r", Accepted: true}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := enc.EncodeExternalState(&engine.ExecutionState{Workload: "db", Agent: "agent_B", State: engine.StateRunning, Generation: 2}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := enc.EncodeBye("done"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	dec := NewDecoder(&buf)
	want := []MessageType{MessageTypeResult, MessageTypeExternalState, MessageTypeBye}
	for _, w := range want {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Type != w {
			t.Errorf("Message type = %v, want %v", msg.Type, w)
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestEncoder_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := &engine.ExecutionState{
				Workload:   strings.Repeat("w", i+1),
				State:      engine.StateRunning,
				Generation: uint64(i + 1),
				Timestamp:  time.Now(),
			}
			if err := enc.EncodeState(st); err != nil {
				t.Errorf("EncodeState() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	for i := 0; i < 20; i++ {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Line %d is corrupted: %v", i, err)
		}
		var st engine.ExecutionState
		if err := ParseData(msg.Data, &st); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode hello message",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z","data":{"agent":"agent_A","version":"0.3.0","pid":1234}}`,
			msgType: MessageTypeHello,
		},
		{
			name:    "decode update message",
			input:   `{"type":"UPDATE","timestamp":"2024-01-01T00:00:00Z","data":{"requestId":"r1","workloads":[{"name":"web","runtime":"sim"}]}}`,
			msgType: MessageTypeUpdate,
		},
		{
			name:    "decode external state message",
			input:   `{"type":"EXTERNAL_STATE","timestamp":"2024-01-01T00:00:00Z","data":{"workload":"db","state":"Running","generation":4}}`,
			msgType: MessageTypeExternalState,
		},
		{
			name:    "unknown type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecodeHello(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid hello",
			input: `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z","data":{"agent":"agent_A","protocol":"1"}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"STATE","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing agent",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1"}}`,
			wantErr: true,
		},
		{
			name:    "unsupported protocol",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z","data":{"agent":"a","protocol":"9"}}`,
			wantErr: true,
		},
		{
			name:    "no data",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			hello, err := dec.DecodeHello()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeHello() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hello.Agent != "agent_A" {
				t.Errorf("Agent = %v, want agent_A", hello.Agent)
			}
		})
	}
}

func TestParseData(t *testing.T) {
	var batch engine.Batch
	err := ParseData(json.RawMessage(`{"requestId":"r1","tombstones":["old"],"replace":true}`), &batch)
	if err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if batch.RequestID != "r1" || !batch.Replace || len(batch.Tombstones) != 1 {
		t.Errorf("Unexpected batch %+v", batch)
	}

	if err := ParseData(json.RawMessage(`{invalid}`), &batch); err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if err := ParseData(nil, &batch); err == nil {
		t.Error("Expected error for missing data")
	}
}
