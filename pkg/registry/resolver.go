// Package registry tracks the device fleet: CRD-backed target resolution for
// the reconciler and an in-memory connection table for the gateway.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ErrNoTargetDevices is returned when an application's selector matches no
// known device. It is recoverable: the target set is re-evaluated on every
// reconcile.
var ErrNoTargetDevices = errors.New("no target devices found")

// Resolver resolves application target selectors against Device resources.
type Resolver struct {
	reader client.Reader
}

// NewResolver constructs a Resolver backed by the given API reader.
func NewResolver(reader client.Reader) *Resolver {
	return &Resolver{reader: reader}
}

// ResolveTargets returns the devices an application should be deployed to:
// the union of the label selector matches and the explicitly named devices.
// Named devices without a Device record are skipped, not failed: a device
// that never enrolled is not a live target. Results are sorted by name.
func (r *Resolver) ResolveTargets(ctx context.Context, app *apiv1alpha1.Application) ([]apiv1alpha1.Device, error) {
	byName := make(map[string]apiv1alpha1.Device)

	if app.Spec.TargetSelector != nil {
		selector, err := metav1.LabelSelectorAsSelector(app.Spec.TargetSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid target selector: %w", err)
		}
		var list apiv1alpha1.DeviceList
		opts := []client.ListOption{
			client.InNamespace(app.Namespace),
			client.MatchingLabelsSelector{Selector: selector},
		}
		if err := r.reader.List(ctx, &list, opts...); err != nil {
			return nil, err
		}
		for i := range list.Items {
			byName[list.Items[i].Name] = list.Items[i]
		}
	}

	for _, name := range app.Spec.DeviceNames {
		if _, ok := byName[name]; ok {
			continue
		}
		var device apiv1alpha1.Device
		key := types.NamespacedName{Name: name, Namespace: app.Namespace}
		if err := r.reader.Get(ctx, key, &device); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		byName[name] = device
	}

	if len(byName) == 0 {
		return nil, ErrNoTargetDevices
	}

	devices := make([]apiv1alpha1.Device, 0, len(byName))
	for _, d := range byName {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}
