// Package orchestrator fans deployment commands out to target devices
// through their assigned gateways: a bounded worker pool, per-device retry
// with exponential backoff, and immediate per-device outcome commits so
// partial progress is visible while slower devices are still in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/backoff"
	"github.com/apollo/wasmbed/pkg/protocol"
)

const defaultWorkers = 8

var (
	// ErrDeviceUnreachable means no live session exists for the device.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrAckTimeout means the device accepted a command but never
	// acknowledged it.
	ErrAckTimeout = errors.New("timed out waiting for device acknowledgment")
)

// DeployCommand is one application deployment to fan out.
type DeployCommand struct {
	AppID    string
	Name     string
	Bytecode []byte
	Config   *protocol.Config
}

// Dispatcher delivers a single command to a single device and waits for its
// acknowledgment.
type Dispatcher interface {
	Deploy(ctx context.Context, device *apiv1alpha1.Device, cmd DeployCommand) error
	Stop(ctx context.Context, device *apiv1alpha1.Device, appID string) error
}

// Result is the final outcome of dispatching to one device.
type Result struct {
	Device string
	Err    error
}

// CommitFunc receives each device's outcome as soon as it is final, before
// the rest of the fan-out completes. Implementations must be safe for
// concurrent calls.
type CommitFunc func(ctx context.Context, device string, err error)

// Orchestrator drives command fan-out across the fleet.
type Orchestrator struct {
	dispatcher Dispatcher
	policy     backoff.Policy
	workers    int
	log        logr.Logger
}

// New constructs an Orchestrator with the default retry policy and worker
// count.
func New(d Dispatcher) *Orchestrator {
	return &Orchestrator{
		dispatcher: d,
		policy:     backoff.Default(),
		workers:    defaultWorkers,
		log:        ctrl.Log.WithName("orchestrator"),
	}
}

// WithPolicy overrides the per-device retry policy.
func (o *Orchestrator) WithPolicy(p backoff.Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithWorkers overrides the fan-out concurrency bound.
func (o *Orchestrator) WithWorkers(n int) *Orchestrator {
	if n > 0 {
		o.workers = n
	}
	return o
}

// Deploy dispatches cmd to every target. One device's failure never blocks
// another's dispatch; every target produces exactly one Result.
func (o *Orchestrator) Deploy(ctx context.Context, cmd DeployCommand, targets []apiv1alpha1.Device, commit CommitFunc) []Result {
	return o.fanOut(ctx, targets, commit, func(ctx context.Context, device *apiv1alpha1.Device) error {
		return o.dispatcher.Deploy(ctx, device, cmd)
	})
}

// Stop dispatches a stop for appID to every target. Stop outcomes are
// committed like deploy outcomes but are never retried past the budget by
// callers: an unreachable device cannot run the module anyway.
func (o *Orchestrator) Stop(ctx context.Context, appID string, targets []apiv1alpha1.Device, commit CommitFunc) []Result {
	return o.fanOut(ctx, targets, commit, func(ctx context.Context, device *apiv1alpha1.Device) error {
		return o.dispatcher.Stop(ctx, device, appID)
	})
}

func (o *Orchestrator) fanOut(ctx context.Context, targets []apiv1alpha1.Device, commit CommitFunc, op func(context.Context, *apiv1alpha1.Device) error) []Result {
	jobs := make(chan int)
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	workers := o.workers
	if workers > len(targets) {
		workers = len(targets)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				device := &targets[i]
				err := o.dispatchWithRetry(ctx, device, op)
				results[i] = Result{Device: device.Name, Err: err}
				if commit != nil {
					commit(ctx, device.Name, err)
				}
			}
		}()
	}

	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// dispatchWithRetry runs one device's dispatch under the retry policy. A
// device already known to be offline fails immediately: retrying into a dead
// session wastes the attempt budget without new information.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, device *apiv1alpha1.Device, op func(context.Context, *apiv1alpha1.Device) error) error {
	switch device.Status.Phase {
	case apiv1alpha1.DevicePhaseDisconnected, apiv1alpha1.DevicePhaseUnreachable:
		return fmt.Errorf("%w: device is %s", ErrDeviceUnreachable, device.Status.Phase)
	}

	attempt := 0
	err := o.policy.Retry(ctx, func(ctx context.Context) error {
		attempt++
		err := op(ctx, device)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDeviceUnreachable) {
			// The session is gone; further attempts would just hammer
			// the gateway.
			return backoff.Permanent(err)
		}
		o.log.V(1).Info("dispatch attempt failed", "device", device.Name, "attempt", attempt, "error", err.Error())
		return err
	})
	return err
}
