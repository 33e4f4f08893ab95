// Package device implements the device side of the session protocol: dial
// the gateway over mutual TLS, enroll, heartbeat, and execute deploy and
// stop commands against a pluggable runtime. The hardware firmware speaks
// the same protocol; this client backs the simulator and tests.
package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/apollo/wasmbed/pkg/protocol"
)

const defaultHeartbeatInterval = 30 * time.Second

// Runtime executes deployed modules. Implementations must be safe for
// concurrent use.
type Runtime interface {
	Deploy(appID, name string, bytecode []byte, cfg *protocol.Config) error
	Stop(appID string) error
}

// Options configures a Client.
type Options struct {
	// Addr is the gateway's device listener address.
	Addr string
	// TLSConfig must carry the device's client certificate.
	TLSConfig *tls.Config
	// HeartbeatInterval overrides the default heartbeat period.
	HeartbeatInterval time.Duration
	// Runtime executes deploy and stop commands.
	Runtime Runtime
	// Logger receives session logs.
	Logger logr.Logger
}

// Client is one device's connection to its gateway.
type Client struct {
	opts Options
	log  logr.Logger

	mu       sync.Mutex
	conn     net.Conn
	lastID   protocol.MessageID
	deviceID string
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("a TLS config with a client certificate is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("a runtime is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Client{opts: opts, log: opts.Logger}, nil
}

// DeviceID returns the identifier assigned at enrollment, if any yet.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Run connects, enrolls and serves the session until ctx is cancelled or the
// connection drops. Callers reconnect by calling Run again.
func (c *Client) Run(ctx context.Context) error {
	dialer := &tls.Dialer{Config: c.opts.TLSConfig}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = rawConn
	enrolled := c.deviceID != ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = rawConn.Close()
	}()

	if enrolled {
		// Already enrolled on a prior session: announce with a heartbeat.
		if _, err := c.sendLocked(&protocol.Heartbeat{}); err != nil {
			return err
		}
	} else {
		if err := c.enroll(rawConn); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(ctx, stop)

	return c.readLoop(ctx, rawConn)
}

func (c *Client) enroll(conn net.Conn) error {
	cert := c.opts.TLSConfig.Certificates[0]
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("parse client certificate: %w", err)
		}
		leaf = parsed
	}

	id, err := c.sendLocked(&protocol.Enroll{PublicKey: leaf.RawSubjectPublicKeyInfo})
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	env, err := protocol.ReadEnvelope(conn)
	if err != nil {
		return fmt.Errorf("read enrollment response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if env.Kind != protocol.KindEnrollAck || env.MessageID != id {
		return fmt.Errorf("unexpected enrollment response kind %s", env.Kind)
	}
	var ack protocol.EnrollAck
	if err := env.Decode(&ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.deviceID = ack.DeviceID
	c.mu.Unlock()
	c.log.Info("enrolled", "deviceID", ack.DeviceID)
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := c.sendLocked(&protocol.Heartbeat{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		env, err := protocol.ReadEnvelope(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		msg, err := protocol.Unmarshal(env)
		if err != nil {
			c.log.V(1).Info("skipping message", "kind", env.Kind.String(), "error", err.Error())
			continue
		}

		switch m := msg.(type) {
		case *protocol.HeartbeatAck, *protocol.EnrollAck:
			// Nothing to do once the session is up.
		case *protocol.DeployApplication:
			ack := protocol.DeploymentAck{AppID: m.AppID, Success: true}
			if err := c.opts.Runtime.Deploy(m.AppID, m.Name, m.Bytecode, m.Config); err != nil {
				ack.Success = false
				ack.Error = err.Error()
			}
			if err := c.reply(env.MessageID, &ack); err != nil {
				return err
			}
		case *protocol.StopApplication:
			ack := protocol.StopAck{AppID: m.AppID, Success: true}
			if err := c.opts.Runtime.Stop(m.AppID); err != nil {
				ack.Success = false
				ack.Error = err.Error()
			}
			if err := c.reply(env.MessageID, &ack); err != nil {
				return err
			}
		default:
			c.log.V(1).Info("unexpected message from gateway", "kind", env.Kind.String())
		}
	}
}

// ReportStatus sends an unsolicited per-application status update, e.g. when
// a running module crashes.
func (c *Client) ReportStatus(appID string, state protocol.AppState, errText string) error {
	_, err := c.sendLocked(&protocol.StatusReport{AppID: appID, State: state, Error: errText})
	return err
}

func (c *Client) sendLocked(msg protocol.Message) (protocol.MessageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, fmt.Errorf("not connected")
	}
	c.lastID = c.lastID.Next()
	return c.lastID, protocol.WriteMessage(c.conn, c.lastID, msg)
}

func (c *Client) reply(id protocol.MessageID, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return protocol.WriteMessage(c.conn, id, msg)
}

// LoadTLSConfig builds the client TLS config from the device keypair and the
// CA the gateway's certificate chains to.
func LoadTLSConfig(certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load device keypair: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read gateway CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
