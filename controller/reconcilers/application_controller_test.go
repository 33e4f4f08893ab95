package reconcilers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/backoff"
	"github.com/apollo/wasmbed/pkg/conditions"
	"github.com/apollo/wasmbed/pkg/orchestrator"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	deploys map[string]int
	stops   map[string]int
	fail    map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		deploys: make(map[string]int),
		stops:   make(map[string]int),
		fail:    make(map[string]error),
	}
}

func (f *fakeDispatcher) Deploy(_ context.Context, device *apiv1alpha1.Device, _ orchestrator.DeployCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys[device.Name]++
	return f.fail[device.Name]
}

func (f *fakeDispatcher) Stop(_ context.Context, device *apiv1alpha1.Device, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[device.Name]++
	return f.fail[device.Name]
}

func (f *fakeDispatcher) deployCount(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys[device]
}

func (f *fakeDispatcher) stopCount(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[device]
}

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

func testClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	return fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithObjects(objs...).
		WithStatusSubresource(&apiv1alpha1.Application{}, &apiv1alpha1.Device{}, &apiv1alpha1.Gateway{}).
		Build()
}

func newTestReconciler(t *testing.T, c client.Client, d orchestrator.Dispatcher) *ApplicationReconciler {
	t.Helper()
	orch := orchestrator.New(d).WithPolicy(backoff.Policy{
		MaxRetries:   0,
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Microsecond,
		Multiplier:   2,
	})
	return NewApplicationReconciler(c, testScheme(t), record.NewFakeRecorder(64), orch)
}

func connectedDevice(name string) *apiv1alpha1.Device {
	return &apiv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "ns"},
		Spec:       apiv1alpha1.DeviceSpec{PublicKey: "key-" + name},
		Status:     apiv1alpha1.DeviceStatus{Phase: apiv1alpha1.DevicePhaseConnected},
	}
}

func inlineApp(names ...string) *apiv1alpha1.Application {
	return &apiv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "blinky", Namespace: "ns"},
		Spec: apiv1alpha1.ApplicationSpec{
			WasmBytes:   []byte{0x00, 0x61, 0x73, 0x6d},
			DeviceNames: names,
		},
	}
}

func reconcileN(t *testing.T, r *ApplicationReconciler, key types.NamespacedName, n int) ctrl.Result {
	t.Helper()
	var result ctrl.Result
	var err error
	for i := 0; i < n; i++ {
		result, err = r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
		if err != nil {
			t.Fatalf("reconcile %d: %v", i+1, err)
		}
	}
	return result
}

func getApp(t *testing.T, c client.Client, key types.NamespacedName) *apiv1alpha1.Application {
	t.Helper()
	var app apiv1alpha1.Application
	if err := c.Get(context.Background(), key, &app); err != nil {
		t.Fatalf("get application: %v", err)
	}
	return &app
}

// An application targeting one enrolled and one never-enrolled device
// deploys to the enrolled one and reports Running, not PartiallyRunning:
// the unknown name is not a target.
func TestLifecycleSkipsNeverEnrolledDevice(t *testing.T) {
	c := testClient(t, connectedDevice("device-1"), inlineApp("device-1", "device-2"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)

	app := getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhaseRunning {
		t.Fatalf("expected Running, got %s (%s)", app.Status.Phase, app.Status.Message)
	}
	if len(app.Status.DeviceStatuses) != 1 {
		t.Fatalf("expected 1 device entry, got %d", len(app.Status.DeviceStatuses))
	}
	if entry := app.Status.DeviceStatuses["device-1"]; entry.Phase != apiv1alpha1.DeviceApplicationPhaseRunning {
		t.Fatalf("expected device-1 Running, got %+v", entry)
	}
	if app.Status.Statistics == nil || app.Status.Statistics.TotalDevices != 1 || app.Status.Statistics.RunningDevices != 1 {
		t.Fatalf("unexpected statistics: %+v", app.Status.Statistics)
	}
	if d.deployCount("device-2") != 0 {
		t.Fatalf("deploy dispatched to never-enrolled device")
	}
	if cond := conditions.FindCondition(app.Status.Conditions, apiv1alpha1.ConditionDeployed); cond == nil || cond.Status != metav1.ConditionTrue {
		t.Fatalf("expected Deployed condition true, got %+v", cond)
	}
}

// Reconciling a settled application again must not dispatch anything new.
func TestReconcileIsIdempotent(t *testing.T) {
	c := testClient(t, connectedDevice("device-1"), inlineApp("device-1"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)
	if got := d.deployCount("device-1"); got != 1 {
		t.Fatalf("expected 1 deploy after rollout, got %d", got)
	}

	reconcileN(t, r, key, 3)
	if got := d.deployCount("device-1"); got != 1 {
		t.Fatalf("steady-state reconciles dispatched %d extra deploys", got-1)
	}

	app := getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhaseRunning {
		t.Fatalf("expected Running, got %s", app.Status.Phase)
	}
}

// One failing device yields PartiallyRunning with the device's own error
// text recorded, while the healthy device keeps running.
func TestPartialFailureIsVisible(t *testing.T) {
	c := testClient(t, connectedDevice("device-1"), connectedDevice("device-2"), inlineApp("device-1", "device-2"))
	d := newFakeDispatcher()
	d.fail["device-2"] = fmt.Errorf("out of memory: requested 1048576 bytes")
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)

	app := getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhasePartiallyRunning {
		t.Fatalf("expected PartiallyRunning, got %s (%s)", app.Status.Phase, app.Status.Message)
	}
	good := app.Status.DeviceStatuses["device-1"]
	bad := app.Status.DeviceStatuses["device-2"]
	if good.Phase != apiv1alpha1.DeviceApplicationPhaseRunning {
		t.Fatalf("healthy device affected: %+v", good)
	}
	if bad.Phase != apiv1alpha1.DeviceApplicationPhaseFailed {
		t.Fatalf("expected device-2 Failed, got %+v", bad)
	}
	if bad.Error != "out of memory: requested 1048576 bytes" {
		t.Fatalf("expected verbatim device error, got %q", bad.Error)
	}
	if app.Status.Statistics.RunningDevices != 1 || app.Status.Statistics.FailedDevices != 1 {
		t.Fatalf("unexpected statistics: %+v", app.Status.Statistics)
	}
}

// A device known to be offline fails its entry immediately, without a
// dispatch attempt.
func TestOfflineDeviceFailsWithoutDispatch(t *testing.T) {
	offline := connectedDevice("device-2")
	offline.Status.Phase = apiv1alpha1.DevicePhaseDisconnected
	c := testClient(t, connectedDevice("device-1"), offline, inlineApp("device-1", "device-2"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)

	app := getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhasePartiallyRunning {
		t.Fatalf("expected PartiallyRunning, got %s", app.Status.Phase)
	}
	entry := app.Status.DeviceStatuses["device-2"]
	if entry.Phase != apiv1alpha1.DeviceApplicationPhaseFailed || !strings.Contains(entry.Error, "device unreachable") {
		t.Fatalf("expected unreachable failure, got %+v", entry)
	}
	if d.deployCount("device-2") != 0 {
		t.Fatalf("dispatched to offline device")
	}
}

func TestInvalidSpecFails(t *testing.T) {
	app := inlineApp("device-1")
	app.Spec.WasmArtifact = &apiv1alpha1.WasmArtifact{Reference: "registry.local/app:v1"}
	c := testClient(t, connectedDevice("device-1"), app)
	r := newTestReconciler(t, c, newFakeDispatcher())
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 1)

	got := getApp(t, c, key)
	if got.Status.Phase != apiv1alpha1.ApplicationPhaseFailed {
		t.Fatalf("expected Failed, got %s", got.Status.Phase)
	}
	cond := conditions.FindCondition(got.Status.Conditions, apiv1alpha1.ConditionSpecValid)
	if cond == nil || cond.Status != metav1.ConditionFalse {
		t.Fatalf("expected SpecValid false, got %+v", cond)
	}
}

// A failed validation is terminal until the spec changes. Later passes route
// the Failed application back through the deploy path, and none of them may
// dispatch the module.
func TestInvalidSpecIsNeverDeployed(t *testing.T) {
	app := inlineApp("device-1")
	app.Spec.WasmArtifact = &apiv1alpha1.WasmArtifact{Reference: "registry.local/app:v1"}
	c := testClient(t, connectedDevice("device-1"), app)
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 3)

	got := getApp(t, c, key)
	if got.Status.Phase != apiv1alpha1.ApplicationPhaseFailed {
		t.Fatalf("expected Failed, got %s", got.Status.Phase)
	}
	if n := d.deployCount("device-1"); n != 0 {
		t.Fatalf("invalid spec was dispatched %d times", n)
	}
}

// With no matching devices the application fails with the canonical message,
// but the target set keeps being re-evaluated: a late-enrolling device
// recovers it.
func TestNoTargetsFailsThenRecovers(t *testing.T) {
	c := testClient(t, inlineApp("device-1"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	result := reconcileN(t, r, key, 1)
	app := getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhaseFailed {
		t.Fatalf("expected Failed while no targets, got %s", app.Status.Phase)
	}
	if app.Status.Message != "no target devices found" {
		t.Fatalf("unexpected message %q", app.Status.Message)
	}
	if cond := conditions.FindCondition(app.Status.Conditions, apiv1alpha1.ConditionTargetsResolved); cond == nil || cond.Status != metav1.ConditionFalse {
		t.Fatalf("expected TargetsResolved false, got %+v", cond)
	}
	if result.RequeueAfter == 0 {
		t.Fatalf("expected a requeue to re-evaluate targets")
	}

	if err := c.Create(context.Background(), connectedDevice("device-1")); err != nil {
		t.Fatalf("create device: %v", err)
	}
	reconcileN(t, r, key, 2)

	app = getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhaseRunning {
		t.Fatalf("expected Running after device enrolled, got %s (%s)", app.Status.Phase, app.Status.Message)
	}
}

// Deletion stops the application on reachable devices and releases the
// finalizer; unreachable devices never block deletion.
func TestDeleteStopsReachableDevices(t *testing.T) {
	offline := connectedDevice("device-2")
	offline.Status.Phase = apiv1alpha1.DevicePhaseUnreachable
	c := testClient(t, connectedDevice("device-1"), offline, inlineApp("device-1", "device-2"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)

	app := getApp(t, c, key)
	if err := c.Delete(context.Background(), app); err != nil {
		t.Fatalf("delete: %v", err)
	}
	reconcileN(t, r, key, 1)

	var gone apiv1alpha1.Application
	if err := c.Get(context.Background(), key, &gone); !apierrors.IsNotFound(err) {
		t.Fatalf("expected application gone, got err=%v finalizers=%v", err, gone.Finalizers)
	}
	if d.stopCount("device-1") != 1 {
		t.Fatalf("expected stop on reachable device, got %d", d.stopCount("device-1"))
	}
}

// Editing the spec rolls the new module out to every target, including
// devices already running the previous version.
func TestSpecChangeRedeploys(t *testing.T) {
	// The fake client neither initializes nor bumps metadata.generation, so
	// the test simulates the API server's semantics: seed a non-zero
	// generation and increment it alongside the spec edit.
	app0 := inlineApp("device-1")
	app0.Generation = 1
	c := testClient(t, connectedDevice("device-1"), app0)
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)
	if d.deployCount("device-1") != 1 {
		t.Fatalf("expected initial deploy")
	}

	app := getApp(t, c, key)
	app.Spec.WasmBytes = append(app.Spec.WasmBytes, 0x01)
	app.Generation++
	if err := c.Update(context.Background(), app); err != nil {
		t.Fatalf("update: %v", err)
	}

	reconcileN(t, r, key, 1)
	if got := d.deployCount("device-1"); got != 2 {
		t.Fatalf("expected redeploy after spec change, got %d deploys", got)
	}
	got := getApp(t, c, key)
	if got.Status.ObservedGeneration != got.Generation {
		t.Fatalf("observed generation not advanced: %d != %d", got.Status.ObservedGeneration, got.Generation)
	}
}

// A device that regressed to Failed (e.g. module crash reported by the
// gateway) gets a fresh dispatch on the next poll without touching the
// healthy devices.
func TestRegressedDeviceIsRedeployed(t *testing.T) {
	c := testClient(t, connectedDevice("device-1"), connectedDevice("device-2"), inlineApp("device-1", "device-2"))
	d := newFakeDispatcher()
	r := newTestReconciler(t, c, d)
	key := types.NamespacedName{Name: "blinky", Namespace: "ns"}

	reconcileN(t, r, key, 2)

	app := getApp(t, c, key)
	entry := app.Status.DeviceStatuses["device-2"]
	entry.Phase = apiv1alpha1.DeviceApplicationPhaseFailed
	entry.Error = "module trapped"
	app.Status.DeviceStatuses["device-2"] = entry
	if err := c.Status().Update(context.Background(), app); err != nil {
		t.Fatalf("status update: %v", err)
	}

	reconcileN(t, r, key, 1)

	if got := d.deployCount("device-2"); got != 2 {
		t.Fatalf("expected redeploy to regressed device, got %d", got)
	}
	if got := d.deployCount("device-1"); got != 1 {
		t.Fatalf("healthy device redeployed %d times", got)
	}
	app = getApp(t, c, key)
	if app.Status.Phase != apiv1alpha1.ApplicationPhaseRunning {
		t.Fatalf("expected Running after recovery, got %s", app.Status.Phase)
	}
}

func TestValidateSpec(t *testing.T) {
	cases := []struct {
		name    string
		spec    apiv1alpha1.ApplicationSpec
		wantErr bool
	}{
		{"inline ok", apiv1alpha1.ApplicationSpec{WasmBytes: []byte{1}, DeviceNames: []string{"d"}}, false},
		{"artifact ok", apiv1alpha1.ApplicationSpec{WasmArtifact: &apiv1alpha1.WasmArtifact{Reference: "r"}, TargetSelector: &metav1.LabelSelector{}}, false},
		{"no module", apiv1alpha1.ApplicationSpec{DeviceNames: []string{"d"}}, true},
		{"both modules", apiv1alpha1.ApplicationSpec{WasmBytes: []byte{1}, WasmArtifact: &apiv1alpha1.WasmArtifact{Reference: "r"}, DeviceNames: []string{"d"}}, true},
		{"no targets", apiv1alpha1.ApplicationSpec{WasmBytes: []byte{1}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSpec(&tc.spec)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateSpec = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
