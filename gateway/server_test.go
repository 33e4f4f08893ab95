package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/protocol"
)

var sessionSeq atomic.Int64

type nopRecorder struct{}

func (nopRecorder) Event(_ runtime.Object, _, _, _ string)            {}
func (nopRecorder) Eventf(_ runtime.Object, _, _, _ string, _ ...any) {}

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("add core scheme: %v", err)
	}
	if err := apiv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("add apiv1alpha1 scheme: %v", err)
	}
	return scheme
}

func newTestGateway(t *testing.T, opts Options, objs ...client.Object) *Gateway {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "gw-1"
	}
	if opts.Namespace == "" {
		opts.Namespace = "ns"
	}
	c := fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithObjects(objs...).
		WithStatusSubresource(&apiv1alpha1.Application{}, &apiv1alpha1.Device{}, &apiv1alpha1.Gateway{}).
		WithIndex(&apiv1alpha1.Device{}, DeviceKeyIndex, func(obj client.Object) []string {
			return []string{obj.(*apiv1alpha1.Device).Spec.PublicKey}
		}).
		Build()
	return New(c, nopRecorder{}, opts)
}

// newTestSession wires a registered session over an in-memory pipe and
// returns the peer end for driving the device side of the conversation.
func newTestSession(t *testing.T, g *Gateway, deviceName string) (*session, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	sess := &session{
		id:         fmt.Sprintf("sess-%d", sessionSeq.Add(1)),
		deviceName: deviceName,
		deviceID:   "id-" + deviceName,
		conn:       server,
		gw:         g,
		log:        logr.Discard(),
		pending:    make(map[protocol.MessageID]chan protocol.Message),
		done:       make(chan struct{}),
	}
	g.registerSession(sess)
	t.Cleanup(func() {
		sess.close(nil)
		_ = peer.Close()
	})
	return sess, peer
}

func enrolledDevice(name, keyPEM string) *apiv1alpha1.Device {
	return &apiv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "ns"},
		Spec:       apiv1alpha1.DeviceSpec{PublicKey: keyPEM},
		Status: apiv1alpha1.DeviceStatus{
			Phase:    apiv1alpha1.DevicePhaseConnected,
			DeviceID: "id-" + name,
		},
	}
}

func getDevice(t *testing.T, g *Gateway, name string) *apiv1alpha1.Device {
	t.Helper()
	var device apiv1alpha1.Device
	key := types.NamespacedName{Name: name, Namespace: "ns"}
	if err := g.client.Get(context.Background(), key, &device); err != nil {
		t.Fatalf("get device %s: %v", name, err)
	}
	return &device
}

func TestEnrollCreatesDevice(t *testing.T) {
	g := newTestGateway(t, Options{})
	der := []byte("fake-spki-der-bytes")

	name, deviceID, err := g.enroll(context.Background(), der)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !strings.HasPrefix(name, "device-") || deviceID == "" {
		t.Fatalf("unexpected identity %q / %q", name, deviceID)
	}

	device := getDevice(t, g, name)
	if device.Status.Phase != apiv1alpha1.DevicePhaseEnrolled {
		t.Fatalf("expected Enrolled, got %s", device.Status.Phase)
	}
	if device.Status.DeviceID != deviceID {
		t.Fatalf("device id not recorded: %q != %q", device.Status.DeviceID, deviceID)
	}
	if device.Spec.PublicKey != encodePublicKey(der) {
		t.Fatalf("public key not stored in PEM form")
	}
}

// Re-enrolling with the same key must land on the same Device resource.
func TestEnrollIsIdempotent(t *testing.T) {
	g := newTestGateway(t, Options{})
	der := []byte("fake-spki-der-bytes")

	name1, id1, err := g.enroll(context.Background(), der)
	if err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	name2, id2, err := g.enroll(context.Background(), der)
	if err != nil {
		t.Fatalf("second enroll: %v", err)
	}
	if name1 != name2 || id1 != id2 {
		t.Fatalf("identity changed across enrollments: %s/%s vs %s/%s", name1, id1, name2, id2)
	}

	var list apiv1alpha1.DeviceList
	if err := g.client.List(context.Background(), &list); err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("expected a single device resource, got %d", len(list.Items))
	}
}

func TestLookupEnrolledRejectsUnknownKey(t *testing.T) {
	g := newTestGateway(t, Options{})
	if _, _, err := g.lookupEnrolled(context.Background(), []byte("never-seen")); err == nil {
		t.Fatalf("expected error for unknown public key")
	}
}

func TestSessionHeartbeat(t *testing.T) {
	g := newTestGateway(t, Options{}, enrolledDevice("edge-1", "key-1"))
	sess, peer := newTestSession(t, g, "edge-1")
	go sess.run(context.Background())

	if err := protocol.WriteMessage(peer, 7, &protocol.Heartbeat{}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	env, err := protocol.ReadEnvelope(peer)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if env.Kind != protocol.KindHeartbeatAck || env.MessageID != 7 {
		t.Fatalf("expected HeartbeatAck echoing id 7, got kind=%s id=%d", env.Kind, env.MessageID)
	}

	device := getDevice(t, g, "edge-1")
	if device.Status.LastHeartbeat == nil {
		t.Fatalf("heartbeat not recorded on device status")
	}
}

// A device swept to Unreachable whose session survived comes back to
// Connected on its next heartbeat.
func TestHeartbeatRestoresConnected(t *testing.T) {
	device := enrolledDevice("edge-1", "key-1")
	device.Status.Phase = apiv1alpha1.DevicePhaseUnreachable
	g := newTestGateway(t, Options{}, device)
	sess, _ := newTestSession(t, g, "edge-1")

	g.handleHeartbeat(context.Background(), sess)

	got := getDevice(t, g, "edge-1")
	if got.Status.Phase != apiv1alpha1.DevicePhaseConnected {
		t.Fatalf("expected Connected after heartbeat, got %s", got.Status.Phase)
	}
}

// Acks are correlated by the echoed message id, so a request returns the
// device's actual answer.
func TestRequestAckCorrelation(t *testing.T) {
	g := newTestGateway(t, Options{AckTimeout: 2 * time.Second}, enrolledDevice("edge-1", "key-1"))
	sess, peer := newTestSession(t, g, "edge-1")
	go sess.run(context.Background())

	go func() {
		env, err := protocol.ReadEnvelope(peer)
		if err != nil {
			return
		}
		_ = protocol.WriteMessage(peer, env.MessageID, &protocol.DeploymentAck{
			AppID:   "ns/app",
			Success: false,
			Error:   "out of memory: requested 1048576 bytes",
		})
	}()

	ack, err := sess.deploy(context.Background(), &protocol.DeployApplication{
		AppID:    "ns/app",
		Bytecode: []byte{0x00, 0x61, 0x73, 0x6d},
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if ack.Success || ack.Error != "out of memory: requested 1048576 bytes" {
		t.Fatalf("ack not correlated: %+v", ack)
	}
}

func TestRequestAckTimeout(t *testing.T) {
	g := newTestGateway(t, Options{AckTimeout: 30 * time.Millisecond}, enrolledDevice("edge-1", "key-1"))
	sess, peer := newTestSession(t, g, "edge-1")
	go sess.run(context.Background())

	// Swallow the command, never acknowledge.
	go func() { _, _ = protocol.ReadEnvelope(peer) }()

	_, err := sess.deploy(context.Background(), &protocol.DeployApplication{AppID: "ns/app", Bytecode: []byte{1}})
	if err != ErrAckTimeout {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

func TestRequestFailsWhenSessionCloses(t *testing.T) {
	g := newTestGateway(t, Options{AckTimeout: 5 * time.Second}, enrolledDevice("edge-1", "key-1"))
	sess, peer := newTestSession(t, g, "edge-1")
	go sess.run(context.Background())

	go func() {
		_, _ = protocol.ReadEnvelope(peer)
		sess.close(nil)
	}()

	_, err := sess.deploy(context.Background(), &protocol.DeployApplication{AppID: "ns/app", Bytecode: []byte{1}})
	if err != ErrDeviceUnreachable {
		t.Fatalf("expected ErrDeviceUnreachable, got %v", err)
	}
}

// A reconnect replaces the prior session; the superseded session's teardown
// must not disturb the successor's Connected state.
func TestReconnectSupersedesSession(t *testing.T) {
	g := newTestGateway(t, Options{}, enrolledDevice("edge-1", "key-1"))
	first, _ := newTestSession(t, g, "edge-1")
	second, _ := newTestSession(t, g, "edge-1")

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatalf("superseded session not closed")
	}
	if g.lookupSession("edge-1") != second {
		t.Fatalf("successor session not registered")
	}

	g.onSessionClosed(context.Background(), first)

	if g.lookupSession("edge-1") != second {
		t.Fatalf("superseded teardown evicted the successor")
	}
	device := getDevice(t, g, "edge-1")
	if device.Status.Phase != apiv1alpha1.DevicePhaseConnected {
		t.Fatalf("superseded teardown flipped device to %s", device.Status.Phase)
	}
}

func TestSessionLossMarksDisconnected(t *testing.T) {
	g := newTestGateway(t, Options{}, enrolledDevice("edge-1", "key-1"))
	sess, _ := newTestSession(t, g, "edge-1")

	sess.close(nil)
	g.onSessionClosed(context.Background(), sess)

	device := getDevice(t, g, "edge-1")
	if device.Status.Phase != apiv1alpha1.DevicePhaseDisconnected {
		t.Fatalf("expected Disconnected, got %s", device.Status.Phase)
	}
}

// The sweep evicts devices whose heartbeat went silent and marks them
// Unreachable; an in-flight request on the evicted session fails.
func TestSweepMarksUnreachable(t *testing.T) {
	g := newTestGateway(t, Options{HeartbeatTimeout: time.Millisecond}, enrolledDevice("edge-1", "key-1"))
	sess, _ := newTestSession(t, g, "edge-1")

	time.Sleep(5 * time.Millisecond)
	g.sweep(context.Background())

	select {
	case <-sess.done:
	case <-time.After(time.Second):
		t.Fatalf("evicted session not closed")
	}
	if g.lookupSession("edge-1") != nil {
		t.Fatalf("evicted session still registered")
	}
	device := getDevice(t, g, "edge-1")
	if device.Status.Phase != apiv1alpha1.DevicePhaseUnreachable {
		t.Fatalf("expected Unreachable, got %s", device.Status.Phase)
	}
}

func TestStatusReportRecordsRegressionAndRecovery(t *testing.T) {
	app := &apiv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "blinky", Namespace: "ns"},
		Spec:       apiv1alpha1.ApplicationSpec{WasmBytes: []byte{1}, DeviceNames: []string{"edge-1"}},
		Status: apiv1alpha1.ApplicationStatus{
			Phase: apiv1alpha1.ApplicationPhaseRunning,
			DeviceStatuses: map[string]apiv1alpha1.DeviceApplicationStatus{
				"edge-1": {Phase: apiv1alpha1.DeviceApplicationPhaseRunning},
			},
		},
	}
	g := newTestGateway(t, Options{}, enrolledDevice("edge-1", "key-1"), app)
	sess, _ := newTestSession(t, g, "edge-1")

	g.handleStatusReport(context.Background(), sess, &protocol.StatusReport{
		AppID: "ns/blinky",
		State: protocol.AppStateFailed,
		Error: "module trapped: unreachable instruction",
	})

	var got apiv1alpha1.Application
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}
	if err := g.client.Get(context.Background(), key, &got); err != nil {
		t.Fatalf("get application: %v", err)
	}
	entry := got.Status.DeviceStatuses["edge-1"]
	if entry.Phase != apiv1alpha1.DeviceApplicationPhaseFailed {
		t.Fatalf("expected Failed entry, got %+v", entry)
	}
	if entry.Error != "module trapped: unreachable instruction" {
		t.Fatalf("expected verbatim device error, got %q", entry.Error)
	}

	g.handleStatusReport(context.Background(), sess, &protocol.StatusReport{
		AppID: "ns/blinky",
		State: protocol.AppStateRunning,
	})

	if err := g.client.Get(context.Background(), key, &got); err != nil {
		t.Fatalf("get application: %v", err)
	}
	entry = got.Status.DeviceStatuses["edge-1"]
	if entry.Phase != apiv1alpha1.DeviceApplicationPhaseRunning || entry.RestartCount != 1 {
		t.Fatalf("expected recovery with restart counted, got %+v", entry)
	}
}

func TestStatusReportUnknownApplicationIgnored(t *testing.T) {
	g := newTestGateway(t, Options{}, enrolledDevice("edge-1", "key-1"))
	sess, _ := newTestSession(t, g, "edge-1")

	// Must not panic or create anything.
	g.handleStatusReport(context.Background(), sess, &protocol.StatusReport{
		AppID: "ns/ghost",
		State: protocol.AppStateRunning,
	})
}

func TestDispatchWithoutSessionIs503(t *testing.T) {
	g := newTestGateway(t, Options{})
	handler := g.httpHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/edge-1/deploy",
		strings.NewReader(`{"appId":"ns/app","bytecode":"AA=="}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for device without session, got %d", rec.Code)
	}
}

func TestDispatchDeployOverHTTP(t *testing.T) {
	g := newTestGateway(t, Options{AckTimeout: 2 * time.Second}, enrolledDevice("edge-1", "key-1"))
	sess, peer := newTestSession(t, g, "edge-1")
	go sess.run(context.Background())

	go func() {
		env, err := protocol.ReadEnvelope(peer)
		if err != nil {
			return
		}
		_ = protocol.WriteMessage(peer, env.MessageID, &protocol.DeploymentAck{AppID: "ns/app", Success: true})
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/edge-1/deploy",
		strings.NewReader(`{"appId":"ns/app","bytecode":"AGFzbQ=="}`))
	rec := httptest.NewRecorder()
	g.httpHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestManagementAPIAuthToken(t *testing.T) {
	g := newTestGateway(t, Options{AuthToken: "secret"})
	handler := g.httpHandler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(authTokenHeader, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
