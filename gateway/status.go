package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

const statusPatchAttempts = 3

// splitAppID parses the namespace/name application id used on the wire.
func splitAppID(appID string) (namespace, name string, err error) {
	parts := strings.SplitN(appID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed application id %q", appID)
	}
	return parts[0], parts[1], nil
}

// AppID renders the wire-format application id for an object.
func AppID(namespace, name string) string {
	return namespace + "/" + name
}

// patchDeviceStatus applies mutate to the device's status with optimistic
// locking, retrying on conflict. mutate returns false to skip the write.
func (g *Gateway) patchDeviceStatus(ctx context.Context, deviceName string, mutate func(*apiv1alpha1.DeviceStatus) bool) error {
	key := types.NamespacedName{Name: deviceName, Namespace: g.opts.Namespace}

	for attempt := 0; attempt < statusPatchAttempts; attempt++ {
		var device apiv1alpha1.Device
		if err := g.client.Get(ctx, key, &device); err != nil {
			return err
		}

		before := device.DeepCopy()
		if !mutate(&device.Status) {
			return nil
		}

		err := g.client.Status().Patch(ctx, &device, client.MergeFromWithOptions(before, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return nil
		}
		if !apierrors.IsConflict(err) {
			return err
		}
	}

	return apierrors.NewConflict(apiv1alpha1.SchemeGroupVersion.WithResource("devices").GroupResource(), deviceName, fmt.Errorf("status patch conflict after retries"))
}

// patchApplicationDeviceStatus applies mutate to one device's entry in the
// application's per-device status map, again with optimistic locking. The
// gateway only writes individual entries; phase aggregation stays with the
// reconciler.
func (g *Gateway) patchApplicationDeviceStatus(ctx context.Context, key types.NamespacedName, deviceName string, mutate func(*apiv1alpha1.DeviceApplicationStatus)) error {
	for attempt := 0; attempt < statusPatchAttempts; attempt++ {
		var app apiv1alpha1.Application
		if err := g.client.Get(ctx, key, &app); err != nil {
			return err
		}

		before := app.DeepCopy()
		if app.Status.DeviceStatuses == nil {
			app.Status.DeviceStatuses = make(map[string]apiv1alpha1.DeviceApplicationStatus)
		}
		entry := app.Status.DeviceStatuses[deviceName]
		mutate(&entry)
		now := metav1.NewTime(time.Now())
		entry.LastUpdated = &now
		app.Status.DeviceStatuses[deviceName] = entry

		err := g.client.Status().Patch(ctx, &app, client.MergeFromWithOptions(before, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return nil
		}
		if !apierrors.IsConflict(err) {
			return err
		}
	}

	return apierrors.NewConflict(apiv1alpha1.SchemeGroupVersion.WithResource("applications").GroupResource(), key.Name, fmt.Errorf("status patch conflict after retries"))
}
