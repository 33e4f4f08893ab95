package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/conditions"
	"github.com/apollo/wasmbed/pkg/protocol"
)

// encodePublicKey renders an SPKI DER key in the PEM form stored on the
// Device spec.
func encodePublicKey(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// deviceIdentity derives the stable device identity from the public key:
// a UUID built from the SHA-256 fingerprint, plus a fingerprint-based
// resource name. Re-enrollment with the same key always lands on the same
// Device resource.
func deviceIdentity(der []byte) (name, deviceID string) {
	fp := sha256.Sum256(der)
	id, err := uuid.FromBytes(fp[:16])
	if err != nil {
		// 16 bytes in, cannot fail.
		panic(err)
	}
	return "device-" + hex.EncodeToString(fp[:6]), id.String()
}

// enroll creates (or re-binds) the Device resource for the given public key
// and returns its name and device id.
func (g *Gateway) enroll(ctx context.Context, publicKeyDER []byte) (string, string, error) {
	keyPEM := encodePublicKey(publicKeyDER)

	if name, deviceID, err := g.lookupEnrolled(ctx, publicKeyDER); err == nil {
		// Known key: same identity, no new resource.
		return name, deviceID, nil
	}

	name, deviceID := deviceIdentity(publicKeyDER)
	device := apiv1alpha1.Device{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: g.opts.Namespace,
		},
		Spec: apiv1alpha1.DeviceSpec{PublicKey: keyPEM},
	}
	if err := g.client.Create(ctx, &device); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", "", fmt.Errorf("create device: %w", err)
		}
		key := types.NamespacedName{Name: name, Namespace: g.opts.Namespace}
		if err := g.client.Get(ctx, key, &device); err != nil {
			return "", "", err
		}
		if device.Spec.PublicKey != keyPEM {
			// Fingerprint collision on the short name. Refuse rather
			// than bind two keys to one resource.
			return "", "", fmt.Errorf("device %s exists with a different public key", name)
		}
	}

	if err := g.patchDeviceStatus(ctx, name, func(status *apiv1alpha1.DeviceStatus) bool {
		status.Phase = apiv1alpha1.DevicePhaseEnrolled
		status.DeviceID = deviceID
		conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionEnrolled, "Enrolled", "device enrolled")
		return true
	}); err != nil {
		return "", "", fmt.Errorf("record enrollment: %w", err)
	}

	enrollmentsTotal.Inc()
	g.log.Info("device enrolled", "device", name, "deviceID", deviceID)
	if g.recorder != nil {
		g.recorder.Eventf(&device, corev1.EventTypeNormal, "Enrolled", "device enrolled as %s", deviceID)
	}
	return name, deviceID, nil
}

// lookupEnrolled finds the Device resource already bound to the given public
// key. It fails for unknown keys: a device that skips enrollment does not get
// a session.
func (g *Gateway) lookupEnrolled(ctx context.Context, publicKeyDER []byte) (string, string, error) {
	keyPEM := encodePublicKey(publicKeyDER)
	var list apiv1alpha1.DeviceList
	opts := []client.ListOption{
		client.InNamespace(g.opts.Namespace),
		client.MatchingFields{DeviceKeyIndex: keyPEM},
	}
	if err := g.client.List(ctx, &list, opts...); err != nil {
		return "", "", err
	}
	if len(list.Items) == 0 {
		return "", "", fmt.Errorf("no device enrolled with this public key")
	}
	device := list.Items[0]
	deviceID := device.Status.DeviceID
	if deviceID == "" {
		// Pre-registered by an operator; assign the derived id now.
		_, deviceID = deviceIdentity(publicKeyDER)
	}
	return device.Name, deviceID, nil
}

// markDeviceConnected records the start of a session on the Device resource.
func (g *Gateway) markDeviceConnected(ctx context.Context, deviceName string) error {
	now := metav1.NewTime(time.Now())
	return g.patchDeviceStatus(ctx, deviceName, func(status *apiv1alpha1.DeviceStatus) bool {
		status.Phase = apiv1alpha1.DevicePhaseConnected
		status.AssignedGateway = g.opts.Name
		status.ConnectedSince = &now
		status.LastHeartbeat = &now
		conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionDeviceConnected, "SessionEstablished", "device session established")
		return true
	})
}

// handleHeartbeat records a liveness signal. A device that was swept to
// Unreachable but kept its TCP session alive comes back to Connected here.
func (g *Gateway) handleHeartbeat(ctx context.Context, sess *session) {
	g.table.Heartbeat(sess.deviceName)
	now := metav1.NewTime(time.Now())
	if err := g.patchDeviceStatus(ctx, sess.deviceName, func(status *apiv1alpha1.DeviceStatus) bool {
		status.LastHeartbeat = &now
		if status.Phase != apiv1alpha1.DevicePhaseConnected {
			status.Phase = apiv1alpha1.DevicePhaseConnected
		}
		return true
	}); err != nil {
		sess.log.Error(err, "record heartbeat")
	}
}

// handleStatusReport applies an unsolicited per-application state change
// reported by the device, e.g. a module that crashed after deployment.
func (g *Gateway) handleStatusReport(ctx context.Context, sess *session, report *protocol.StatusReport) {
	namespace, name, err := splitAppID(report.AppID)
	if err != nil {
		sess.log.Info("status report with malformed app id", "appID", report.AppID)
		return
	}

	phase := appStateToPhase(report.State)
	sess.log.Info("device status report", "app", report.AppID, "phase", string(phase), "error", report.Error)

	err = g.patchApplicationDeviceStatus(ctx, types.NamespacedName{Namespace: namespace, Name: name}, sess.deviceName, func(s *apiv1alpha1.DeviceApplicationStatus) {
		if phase == apiv1alpha1.DeviceApplicationPhaseRunning && s.Phase == apiv1alpha1.DeviceApplicationPhaseFailed {
			// Recovered on its own: count the restart.
			s.RestartCount++
		}
		s.Phase = phase
		s.Error = report.Error
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			sess.log.V(1).Info("status report for unknown application", "app", report.AppID)
			return
		}
		sess.log.Error(err, "apply status report", "app", report.AppID)
	}
}

func appStateToPhase(state protocol.AppState) apiv1alpha1.DeviceApplicationPhase {
	switch state {
	case protocol.AppStateDeploying:
		return apiv1alpha1.DeviceApplicationPhaseDeploying
	case protocol.AppStateRunning:
		return apiv1alpha1.DeviceApplicationPhaseRunning
	case protocol.AppStateStopped:
		return apiv1alpha1.DeviceApplicationPhaseStopped
	default:
		return apiv1alpha1.DeviceApplicationPhaseFailed
	}
}
