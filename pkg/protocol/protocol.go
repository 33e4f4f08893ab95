// Package protocol implements the device session wire protocol: a fixed set
// of messages exchanged between gateway and device over a mutual-TLS stream,
// encoded as CBOR and length-framed.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Version identifies the wire protocol revision.
type Version uint8

const V0 Version = 0

// MessageID correlates requests with responses within one session.
type MessageID uint32

// Next returns the following message id, wrapping at the uint32 boundary.
func (id MessageID) Next() MessageID {
	return id + 1
}

// Kind tags the payload type inside an envelope.
type Kind uint8

// Device-to-gateway kinds occupy 1-15, gateway-to-device kinds 16-31.
const (
	KindEnroll        Kind = 1
	KindHeartbeat     Kind = 2
	KindDeploymentAck Kind = 3
	KindStopAck       Kind = 4
	KindStatusReport  Kind = 5

	KindEnrollAck         Kind = 16
	KindHeartbeatAck      Kind = 17
	KindDeployApplication Kind = 18
	KindStopApplication   Kind = 19
)

func (k Kind) String() string {
	switch k {
	case KindEnroll:
		return "Enroll"
	case KindHeartbeat:
		return "Heartbeat"
	case KindDeploymentAck:
		return "DeploymentAck"
	case KindStopAck:
		return "StopAck"
	case KindStatusReport:
		return "StatusReport"
	case KindEnrollAck:
		return "EnrollAck"
	case KindHeartbeatAck:
		return "HeartbeatAck"
	case KindDeployApplication:
		return "DeployApplication"
	case KindStopApplication:
		return "StopApplication"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is any payload that can travel inside an envelope.
type Message interface {
	Kind() Kind
}

// Enroll is the first message on a new device's first connection.
type Enroll struct {
	// PublicKey is the device's Ed25519 public key in DER (SPKI) form.
	PublicKey []byte `cbor:"0,keyasint"`
}

// EnrollAck assigns the device its identifier.
type EnrollAck struct {
	DeviceID string `cbor:"0,keyasint"`
}

// Heartbeat is the periodic liveness signal. It carries no fields.
type Heartbeat struct{}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct{}

// DeployApplication instructs the device to instantiate a WASM module.
type DeployApplication struct {
	AppID    string  `cbor:"0,keyasint"`
	Name     string  `cbor:"1,keyasint,omitempty"`
	Bytecode []byte  `cbor:"2,keyasint"`
	Config   *Config `cbor:"3,keyasint,omitempty"`
}

// Config carries runtime limits for a deployed module.
type Config struct {
	MemoryLimitBytes   int64             `cbor:"0,keyasint,omitempty"`
	CPUTimeLimitMillis int64             `cbor:"1,keyasint,omitempty"`
	Env                map[string]string `cbor:"2,keyasint,omitempty"`
	Args               []string          `cbor:"3,keyasint,omitempty"`
}

// DeploymentAck reports the outcome of a DeployApplication command.
type DeploymentAck struct {
	AppID   string `cbor:"0,keyasint"`
	Success bool   `cbor:"1,keyasint"`
	Error   string `cbor:"2,keyasint,omitempty"`
}

// StopApplication instructs the device to stop a module.
type StopApplication struct {
	AppID string `cbor:"0,keyasint"`
}

// StopAck reports the outcome of a StopApplication command.
type StopAck struct {
	AppID   string `cbor:"0,keyasint"`
	Success bool   `cbor:"1,keyasint"`
	Error   string `cbor:"2,keyasint,omitempty"`
}

// AppState is the device's view of one application's lifecycle.
type AppState uint8

const (
	AppStateDeploying AppState = iota
	AppStateRunning
	AppStateStopped
	AppStateFailed
)

// StatusReport is an unsolicited per-application status update from the device.
type StatusReport struct {
	AppID string   `cbor:"0,keyasint"`
	State AppState `cbor:"1,keyasint"`
	Error string   `cbor:"2,keyasint,omitempty"`
}

func (Enroll) Kind() Kind            { return KindEnroll }
func (EnrollAck) Kind() Kind         { return KindEnrollAck }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (HeartbeatAck) Kind() Kind      { return KindHeartbeatAck }
func (DeployApplication) Kind() Kind { return KindDeployApplication }
func (DeploymentAck) Kind() Kind     { return KindDeploymentAck }
func (StopApplication) Kind() Kind   { return KindStopApplication }
func (StopAck) Kind() Kind           { return KindStopAck }
func (StatusReport) Kind() Kind      { return KindStatusReport }

// Envelope wraps every message with version, correlation id and payload kind.
// The payload stays raw until the receiver asks for it, so unknown kinds can
// be skipped without failing the session.
type Envelope struct {
	Version   Version         `cbor:"0,keyasint"`
	MessageID MessageID       `cbor:"1,keyasint"`
	Kind      Kind            `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Decode unmarshals the envelope payload into msg.
func (e *Envelope) Decode(msg Message) error {
	if msg.Kind() != e.Kind {
		return fmt.Errorf("protocol: envelope kind %s does not match %s", e.Kind, msg.Kind())
	}
	if len(e.Payload) == 0 {
		return nil
	}
	return decMode.Unmarshal(e.Payload, msg)
}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical message always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// MaxFrameSize bounds a single frame. Deploy commands carry whole WASM
// modules, so this is the effective cap on deployable bytecode.
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	ErrUnknownKind   = errors.New("protocol: unknown message kind")
)

// Marshal builds an envelope for msg.
func Marshal(id MessageID, msg Message) (Envelope, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s payload: %w", msg.Kind(), err)
	}
	return Envelope{Version: V0, MessageID: id, Kind: msg.Kind(), Payload: payload}, nil
}

// Unmarshal instantiates the payload of a received envelope. It returns
// ErrUnknownKind for kinds this build does not know; callers log and skip
// those rather than terminating the session.
func Unmarshal(env Envelope) (Message, error) {
	var msg Message
	switch env.Kind {
	case KindEnroll:
		msg = &Enroll{}
	case KindEnrollAck:
		msg = &EnrollAck{}
	case KindHeartbeat:
		msg = &Heartbeat{}
	case KindHeartbeatAck:
		msg = &HeartbeatAck{}
	case KindDeployApplication:
		msg = &DeployApplication{}
	case KindDeploymentAck:
		msg = &DeploymentAck{}
	case KindStopApplication:
		msg = &StopApplication{}
	case KindStopAck:
		msg = &StopAck{}
	case KindStatusReport:
		msg = &StatusReport{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := decMode.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", env.Kind, err)
		}
	}
	return msg, nil
}

// WriteEnvelope writes one length-prefixed frame. The prefix is a 4-byte
// big-endian length of the CBOR envelope that follows.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("protocol: encode envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadEnvelope reads one length-prefixed frame.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env, nil
}

// WriteMessage marshals msg and writes it as one frame.
func WriteMessage(w io.Writer, id MessageID, msg Message) error {
	env, err := Marshal(id, msg)
	if err != nil {
		return err
	}
	return WriteEnvelope(w, env)
}
