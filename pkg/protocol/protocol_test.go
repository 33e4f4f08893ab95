package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRoundTripDeploy(t *testing.T) {
	cmd := &DeployApplication{
		AppID:    "default/blinky",
		Name:     "blinky",
		Bytecode: []byte{0x00, 0x61, 0x73, 0x6d},
		Config: &Config{
			MemoryLimitBytes:   1 << 20,
			CPUTimeLimitMillis: 500,
			Env:                map[string]string{"LED": "2"},
			Args:               []string{"--fast"},
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, 7, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}

	env, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Version != V0 {
		t.Fatalf("expected version %d, got %d", V0, env.Version)
	}
	if env.MessageID != 7 {
		t.Fatalf("expected message id 7, got %d", env.MessageID)
	}
	if env.Kind != KindDeployApplication {
		t.Fatalf("expected kind %s, got %s", KindDeployApplication, env.Kind)
	}

	msg, err := Unmarshal(env)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := msg.(*DeployApplication)
	if !ok {
		t.Fatalf("expected *DeployApplication, got %T", msg)
	}
	if got.AppID != cmd.AppID || got.Name != cmd.Name {
		t.Fatalf("mismatched identity: %+v", got)
	}
	if !bytes.Equal(got.Bytecode, cmd.Bytecode) {
		t.Fatalf("bytecode corrupted")
	}
	if got.Config == nil || got.Config.Env["LED"] != "2" {
		t.Fatalf("config corrupted: %+v", got.Config)
	}
}

func TestRoundTripEmptyPayloads(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, 1, &Heartbeat{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := Unmarshal(env); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
}

func TestUnknownKindIsTolerated(t *testing.T) {
	env := Envelope{Version: V0, MessageID: 3, Kind: Kind(200)}
	_, err := Unmarshal(env)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A future build may add fields; decoding must not fail on them.
	payload, err := cbor.Marshal(map[int]any{0: "default/app", 1: true, 99: "future"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env := Envelope{Version: V0, MessageID: 1, Kind: KindDeploymentAck, Payload: payload}
	msg, err := Unmarshal(env)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ack := msg.(*DeploymentAck)
	if ack.AppID != "default/app" || !ack.Success {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestFrameTooLargeOnRead(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	if _, err := ReadEnvelope(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, 1, &EnrollAck{DeviceID: "d"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-2]

	if _, err := ReadEnvelope(bytes.NewReader(data)); err == nil {
		t.Fatalf("expected error on truncated frame")
	}
}

func TestDecodeKindMismatch(t *testing.T) {
	env, err := Marshal(1, &Heartbeat{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var ack EnrollAck
	if err := env.Decode(&ack); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	msg := &StatusReport{AppID: "ns/app", State: AppStateFailed, Error: "oom"}
	a, err := Marshal(5, msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := Marshal(5, msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("same message produced different bytes")
	}
}

func TestMessageIDWraps(t *testing.T) {
	var id MessageID = ^MessageID(0)
	if id.Next() != 0 {
		t.Fatalf("expected wrap to 0, got %d", id.Next())
	}
}
