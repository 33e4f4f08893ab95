// Package gateway owns the device side of the system: one authenticated TLS
// session per connected device, enrollment, heartbeat liveness tracking and
// command dispatch. It also serves the management HTTP endpoints the
// controller dispatches through.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/registry"
)

const (
	// DeviceKeyIndex is the field index used to look devices up by public
	// key. The main package registers it on the manager's cache.
	DeviceKeyIndex = "spec.publicKey"

	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second
	defaultSweepInterval     = 10 * time.Second
	defaultAckTimeout        = 30 * time.Second
	enrollReadDeadline       = 30 * time.Second
)

var (
	// ErrDeviceUnreachable is returned by dispatch when no live session
	// exists for the device.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrAckTimeout is returned when a device accepted a command but never
	// acknowledged it within the ack timeout.
	ErrAckTimeout = errors.New("timed out waiting for device acknowledgment")
)

// Options configures a Gateway.
type Options struct {
	// Name identifies this gateway in Device.status.assignedGateway and
	// names its own Gateway resource.
	Name string
	// Namespace holds the Gateway resource and the devices it manages.
	Namespace string
	// DeviceAddr is the TLS listener address for device sessions.
	DeviceAddr string
	// HTTPAddr is the management HTTP listener address.
	HTTPAddr string
	// TLSConfig must require and verify client certificates.
	TLSConfig *tls.Config
	// AuthToken optionally guards the management API.
	AuthToken string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration
	AckTimeout        time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
}

// recordEmitter captures the EventRecorder interface we need.
type recordEmitter interface {
	Event(object runtime.Object, eventtype, reason, message string)
	Eventf(object runtime.Object, eventtype, reason, messageFmt string, args ...any)
}

// Gateway runs the device TLS listener, the heartbeat sweep and the
// management HTTP server. It implements manager.Runnable so it can be added
// to a controller-runtime Manager.
type Gateway struct {
	client   client.Client
	recorder recordEmitter
	log      logr.Logger
	opts     Options

	table *registry.Table

	mu       sync.RWMutex
	sessions map[string]*session

	listener net.Listener
	server   *http.Server
}

// New constructs a Gateway instance.
func New(c client.Client, recorder recordEmitter, opts Options) *Gateway {
	opts.applyDefaults()
	return &Gateway{
		client:   c,
		recorder: recorder,
		log:      ctrl.Log.WithName("gateway").WithValues("gateway", opts.Name),
		opts:     opts,
		table:    registry.NewTable(),
		sessions: make(map[string]*session),
	}
}

// Start runs the listeners and the sweep loop until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.opts.TLSConfig == nil {
		return fmt.Errorf("gateway requires a TLS config")
	}

	listener, err := tls.Listen("tcp", g.opts.DeviceAddr, g.opts.TLSConfig)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.opts.DeviceAddr, err)
	}
	g.listener = listener
	g.log.Info("device listener started", "addr", g.opts.DeviceAddr)

	g.server = &http.Server{Addr: g.opts.HTTPAddr, Handler: g.httpHandler()}

	go g.sweepLoop(ctx)
	go g.acceptLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		err := g.server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	_ = g.listener.Close()
	g.closeAllSessions()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.server.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	default:
	}

	return nil
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Error(err, "accept failed")
			return
		}
		go g.handleConn(ctx, conn)
	}
}

// sweepLoop periodically evicts devices whose heartbeat went silent and
// refreshes the gateway's own resource status. Liveness detection lives here,
// off the session read path, so a busy session cannot delay eviction of a
// dead one.
func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
			g.updateGatewayStatus(ctx)
		}
	}
}

func (g *Gateway) sweep(ctx context.Context) {
	stale := g.table.Stale(time.Now(), g.opts.HeartbeatTimeout)
	for device, sessionID := range stale {
		g.log.Info("heartbeat timeout, marking device unreachable", "device", device)
		sweepEvictions.Inc()

		if sess := g.lookupSession(device); sess != nil && sess.id == sessionID {
			sess.close(fmt.Errorf("heartbeat timeout"))
		}
		g.table.Disconnect(device, sessionID)
		g.dropSession(device, sessionID)

		if err := g.patchDeviceStatus(ctx, device, func(status *apiv1alpha1.DeviceStatus) bool {
			if status.Phase == apiv1alpha1.DevicePhaseUnreachable {
				return false
			}
			status.Phase = apiv1alpha1.DevicePhaseUnreachable
			return true
		}); err != nil {
			g.log.Error(err, "mark device unreachable", "device", device)
		}
	}
}

func (g *Gateway) updateGatewayStatus(ctx context.Context) {
	if g.opts.Name == "" {
		return
	}
	var gw apiv1alpha1.Gateway
	key := client.ObjectKey{Name: g.opts.Name, Namespace: g.opts.Namespace}
	if err := g.client.Get(ctx, key, &gw); err != nil {
		return
	}
	before := gw.DeepCopy()
	connected := int32(g.table.Connected())
	enrolled := g.countEnrolled(ctx)
	if gw.Status.ConnectedDevices == connected && gw.Status.EnrolledDevices == enrolled {
		return
	}
	gw.Status.ConnectedDevices = connected
	gw.Status.EnrolledDevices = enrolled
	if err := g.client.Status().Patch(ctx, &gw, client.MergeFrom(before)); err != nil {
		g.log.Error(err, "update gateway status")
	}
}

func (g *Gateway) countEnrolled(ctx context.Context) int32 {
	var list apiv1alpha1.DeviceList
	if err := g.client.List(ctx, &list, client.InNamespace(g.opts.Namespace)); err != nil {
		return 0
	}
	var n int32
	for i := range list.Items {
		switch list.Items[i].Status.Phase {
		case apiv1alpha1.DevicePhasePending, apiv1alpha1.DevicePhaseEnrolling, "":
		default:
			n++
		}
	}
	return n
}

// countPhases breaks the namespace's devices and applications down by phase
// for the /status endpoint.
func (g *Gateway) countPhases(ctx context.Context) (map[string]int, map[string]int) {
	devices := make(map[string]int)
	var deviceList apiv1alpha1.DeviceList
	if err := g.client.List(ctx, &deviceList, client.InNamespace(g.opts.Namespace)); err == nil {
		for i := range deviceList.Items {
			phase := string(deviceList.Items[i].Status.Phase)
			if phase == "" {
				phase = string(apiv1alpha1.DevicePhasePending)
			}
			devices[phase]++
		}
	}

	apps := make(map[string]int)
	var appList apiv1alpha1.ApplicationList
	if err := g.client.List(ctx, &appList, client.InNamespace(g.opts.Namespace)); err == nil {
		for i := range appList.Items {
			phase := string(appList.Items[i].Status.Phase)
			if phase == "" {
				phase = string(apiv1alpha1.ApplicationPhaseCreating)
			}
			apps[phase]++
		}
	}
	return devices, apps
}

func (g *Gateway) registerSession(sess *session) {
	g.mu.Lock()
	prior := g.sessions[sess.deviceName]
	g.sessions[sess.deviceName] = sess
	g.mu.Unlock()

	superseded := g.table.Connect(sess.deviceName, sess.id)
	if prior != nil && prior.id == superseded {
		// One live session per device: the newest connection wins.
		g.log.Info("superseding prior session", "device", sess.deviceName)
		prior.close(fmt.Errorf("superseded by new connection"))
	}
}

func (g *Gateway) dropSession(deviceName, sessionID string) {
	g.mu.Lock()
	if cur, ok := g.sessions[deviceName]; ok && cur.id == sessionID {
		delete(g.sessions, deviceName)
	}
	g.mu.Unlock()
}

func (g *Gateway) lookupSession(deviceName string) *session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[deviceName]
}

func (g *Gateway) closeAllSessions() {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessions = make(map[string]*session)
	g.mu.Unlock()
	for _, s := range sessions {
		s.close(fmt.Errorf("gateway shutting down"))
	}
}

// onSessionClosed runs once per session teardown. A superseded session must
// not flip its successor's device back to Disconnected, so the table decides
// whether this session still owned the device.
func (g *Gateway) onSessionClosed(ctx context.Context, sess *session) {
	owned := g.table.Disconnect(sess.deviceName, sess.id)
	g.dropSession(sess.deviceName, sess.id)
	if !owned {
		return
	}
	connectedSessions.Set(float64(g.table.Connected()))
	if err := g.patchDeviceStatus(ctx, sess.deviceName, func(status *apiv1alpha1.DeviceStatus) bool {
		// Unreachable is owned by the sweep; plain session loss means
		// Disconnected.
		if status.Phase != apiv1alpha1.DevicePhaseConnected {
			return false
		}
		status.Phase = apiv1alpha1.DevicePhaseDisconnected
		return true
	}); err != nil {
		g.log.Error(err, "mark device disconnected", "device", sess.deviceName)
	}
}
