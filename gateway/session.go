package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/apollo/wasmbed/pkg/protocol"
)

// session is one live device connection. All writes to the conn funnel
// through writeMu, which keeps per-device command ordering intact.
type session struct {
	id         string
	deviceName string
	deviceID   string
	conn       net.Conn
	gw         *Gateway
	log        logr.Logger

	writeMu sync.Mutex
	lastID  protocol.MessageID

	pendMu  sync.Mutex
	pending map[protocol.MessageID]chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

// handleConn drives one device connection from TLS handshake to session
// teardown. Authentication failures close the connection before any state is
// created: unauthenticated devices never appear in the fleet.
func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, enrollReadDeadline)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		g.log.V(1).Info("tls handshake failed", "remote", conn.RemoteAddr().String(), "error", err.Error())
		enrollmentFailures.Inc()
		_ = conn.Close()
		return
	}

	peers := tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		g.log.Info("rejecting connection without client certificate", "remote", conn.RemoteAddr().String())
		enrollmentFailures.Inc()
		_ = conn.Close()
		return
	}
	publicKey := peers[0].RawSubjectPublicKeyInfo

	_ = conn.SetReadDeadline(time.Now().Add(enrollReadDeadline))
	env, err := protocol.ReadEnvelope(conn)
	if err != nil {
		g.log.V(1).Info("no initial message from device", "remote", conn.RemoteAddr().String(), "error", err.Error())
		_ = conn.Close()
		return
	}
	msg, err := protocol.Unmarshal(env)
	if err != nil {
		g.log.Info("malformed initial message", "remote", conn.RemoteAddr().String(), "error", err.Error())
		_ = conn.Close()
		return
	}

	var deviceName, deviceID string
	switch m := msg.(type) {
	case *protocol.Enroll:
		// The enrolled key is taken from the verified certificate, not
		// from the message; the message copy only has to agree.
		if !bytes.Equal(m.PublicKey, publicKey) {
			g.log.Info("enroll public key does not match client certificate", "remote", conn.RemoteAddr().String())
			enrollmentFailures.Inc()
			_ = conn.Close()
			return
		}
		deviceName, deviceID, err = g.enroll(ctx, publicKey)
		if err != nil {
			g.log.Error(err, "enrollment failed", "remote", conn.RemoteAddr().String())
			enrollmentFailures.Inc()
			_ = conn.Close()
			return
		}
		if err := protocol.WriteMessage(conn, env.MessageID, &protocol.EnrollAck{DeviceID: deviceID}); err != nil {
			_ = conn.Close()
			return
		}
	case *protocol.Heartbeat:
		deviceName, deviceID, err = g.lookupEnrolled(ctx, publicKey)
		if err != nil {
			g.log.Info("rejecting connection from unenrolled device", "remote", conn.RemoteAddr().String(), "error", err.Error())
			enrollmentFailures.Inc()
			_ = conn.Close()
			return
		}
		if err := protocol.WriteMessage(conn, env.MessageID, &protocol.HeartbeatAck{}); err != nil {
			_ = conn.Close()
			return
		}
	default:
		g.log.Info("unexpected initial message", "remote", conn.RemoteAddr().String(), "kind", env.Kind.String())
		_ = conn.Close()
		return
	}

	sessionID := uuid.NewString()
	sess := &session{
		id:         sessionID,
		deviceName: deviceName,
		deviceID:   deviceID,
		conn:       conn,
		gw:         g,
		log:        g.log.WithValues("device", deviceName, "session", sessionID[:8]),
		pending:    make(map[protocol.MessageID]chan protocol.Message),
		done:       make(chan struct{}),
	}
	sess.lastID = env.MessageID

	g.registerSession(sess)
	if err := g.markDeviceConnected(ctx, deviceName); err != nil {
		g.log.Error(err, "mark device connected", "device", deviceName)
	}
	connectedSessions.Set(float64(g.table.Connected()))
	sess.log.Info("device session established")

	sess.run(ctx)
}

func (s *session) run(ctx context.Context) {
	defer s.gw.onSessionClosed(ctx, s)
	defer s.close(nil)

	for {
		// A dead TCP peer must not hold the session open past the
		// heartbeat timeout.
		deadline := s.gw.opts.HeartbeatTimeout + s.gw.opts.SweepInterval
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		env, err := protocol.ReadEnvelope(s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					s.log.V(1).Info("session read failed", "error", err.Error())
				}
			}
			return
		}

		msg, err := protocol.Unmarshal(env)
		if err != nil {
			// Unknown or malformed payloads are skipped, not fatal:
			// a newer device build may speak kinds we do not know.
			s.log.V(1).Info("skipping message", "kind", env.Kind.String(), "error", err.Error())
			continue
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			heartbeatsTotal.Inc()
			s.gw.handleHeartbeat(ctx, s)
			if err := s.reply(env.MessageID, &protocol.HeartbeatAck{}); err != nil {
				return
			}
		case *protocol.DeploymentAck, *protocol.StopAck:
			s.deliver(env.MessageID, msg)
		case *protocol.StatusReport:
			s.gw.handleStatusReport(ctx, s, m)
		default:
			s.log.V(1).Info("unexpected message from device", "kind", env.Kind.String())
		}
	}
}

// reply writes a response reusing the request's message id.
func (s *session) reply(id protocol.MessageID, msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteMessage(s.conn, id, msg)
}

// request sends a command and waits for the matching ack. The ack carries the
// request's message id, which is how responses are correlated.
func (s *session) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)

	s.writeMu.Lock()
	s.lastID = s.lastID.Next()
	id := s.lastID
	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()
	err := protocol.WriteMessage(s.conn, id, msg)
	s.writeMu.Unlock()

	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}

	timer := time.NewTimer(s.gw.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack, nil
	case <-timer.C:
		s.forget(id)
		return nil, ErrAckTimeout
	case <-s.done:
		s.forget(id)
		return nil, ErrDeviceUnreachable
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *session) deliver(id protocol.MessageID, msg protocol.Message) {
	s.pendMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendMu.Unlock()
	if !ok {
		s.log.V(1).Info("ack with no pending request", "messageID", uint32(id))
		return
	}
	ch <- msg
}

func (s *session) forget(id protocol.MessageID) {
	s.pendMu.Lock()
	delete(s.pending, id)
	s.pendMu.Unlock()
}

// deploy sends a DeployApplication command and waits for its ack.
func (s *session) deploy(ctx context.Context, cmd *protocol.DeployApplication) (*protocol.DeploymentAck, error) {
	resp, err := s.request(ctx, cmd)
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(*protocol.DeploymentAck)
	if !ok {
		return nil, fmt.Errorf("unexpected response kind %s to deploy", resp.Kind())
	}
	return ack, nil
}

// stop sends a StopApplication command and waits for its ack.
func (s *session) stop(ctx context.Context, cmd *protocol.StopApplication) (*protocol.StopAck, error) {
	resp, err := s.request(ctx, cmd)
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(*protocol.StopAck)
	if !ok {
		return nil, fmt.Errorf("unexpected response kind %s to stop", resp.Kind())
	}
	return ack, nil
}

func (s *session) close(reason error) {
	s.closeOnce.Do(func() {
		if reason != nil {
			s.log.V(1).Info("closing session", "reason", reason.Error())
		}
		close(s.done)
		_ = s.conn.Close()
	})
}
