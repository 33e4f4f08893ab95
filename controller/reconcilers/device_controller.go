package reconcilers

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/conditions"
)

// defaultStaleAfter is how long a Connected device may go without a
// heartbeat update before the controller assumes its gateway died with it.
// It sits well above the gateway's own heartbeat timeout so the gateway's
// sweep always wins when the gateway is alive.
const defaultStaleAfter = 3 * time.Minute

//+kubebuilder:rbac:groups=wasmbed.io,resources=devices,verbs=get;list;watch
//+kubebuilder:rbac:groups=wasmbed.io,resources=devices/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=wasmbed.io,resources=gateways,verbs=get;list;watch

// DeviceReconciler is the controller-side backstop for device liveness. The
// gateway owns connection state while it runs; this reconciler catches the
// case where the gateway itself disappears and can no longer sweep.
type DeviceReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	StaleAfter time.Duration
}

// NewDeviceReconciler constructs a reconciler instance.
func NewDeviceReconciler(c client.Client, scheme *runtime.Scheme, recorder record.EventRecorder) *DeviceReconciler {
	return &DeviceReconciler{
		Client:     c,
		Scheme:     scheme,
		Recorder:   recorder,
		StaleAfter: defaultStaleAfter,
	}
}

// SetupWithManager wires the reconciler into the controller manager.
func (r *DeviceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&apiv1alpha1.Device{}).
		Complete(r)
}

// Reconcile marks a Connected device Disconnected when its assigned gateway
// is gone or its heartbeat record went stale past the gateway's own sweep.
func (r *DeviceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("device", req.NamespacedName)

	var device apiv1alpha1.Device
	if err := r.Get(ctx, req.NamespacedName, &device); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if device.Status.Phase != apiv1alpha1.DevicePhaseConnected {
		return ctrl.Result{}, nil
	}

	reason := ""
	if device.Status.AssignedGateway != "" {
		var gw apiv1alpha1.Gateway
		key := types.NamespacedName{Name: device.Status.AssignedGateway, Namespace: device.Namespace}
		if err := r.Get(ctx, key, &gw); err != nil {
			if !apierrors.IsNotFound(err) {
				return ctrl.Result{}, err
			}
			reason = "GatewayRemoved"
		}
	}
	if reason == "" && device.Status.LastHeartbeat != nil &&
		time.Since(device.Status.LastHeartbeat.Time) > r.StaleAfter {
		reason = "HeartbeatStale"
	}

	if reason == "" {
		return ctrl.Result{RequeueAfter: r.StaleAfter / 2}, nil
	}

	logger.Info("marking device disconnected", "reason", reason)
	before := device.DeepCopy()
	device.Status.Phase = apiv1alpha1.DevicePhaseDisconnected
	conditions.MarkFalse(&device.Status.Conditions, apiv1alpha1.ConditionDeviceConnected, reason, "device session presumed lost")
	if err := r.Status().Patch(ctx, &device, client.MergeFromWithOptions(before, client.MergeFromWithOptimisticLock{})); err != nil {
		if apierrors.IsConflict(err) {
			return ctrl.Result{Requeue: true}, nil
		}
		return ctrl.Result{}, err
	}
	r.Recorder.Event(&device, corev1.EventTypeWarning, reason, "device marked disconnected")

	return ctrl.Result{}, nil
}
