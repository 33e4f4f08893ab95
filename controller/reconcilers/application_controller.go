package reconcilers

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/aggregate"
	"github.com/apollo/wasmbed/pkg/artifact"
	"github.com/apollo/wasmbed/pkg/conditions"
	"github.com/apollo/wasmbed/pkg/orchestrator"
	"github.com/apollo/wasmbed/pkg/protocol"
	"github.com/apollo/wasmbed/pkg/registry"
)

const (
	// StopFinalizer holds Application deletion until running modules have
	// been asked to stop.
	StopFinalizer = "wasmbed.io/stop-applications"

	// requeueActive is the poll interval while work is in flight.
	requeueActive = 5 * time.Second
	// requeueSteady is the poll interval for settled applications.
	requeueSteady = 30 * time.Second

	statusUpdateAttempts = 3
)

//+kubebuilder:rbac:groups=wasmbed.io,resources=applications,verbs=get;list;watch;update
//+kubebuilder:rbac:groups=wasmbed.io,resources=applications/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=wasmbed.io,resources=devices,verbs=get;list;watch
//+kubebuilder:rbac:groups=wasmbed.io,resources=gateways,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// ApplicationReconciler drives Applications through their lifecycle: resolve
// targets, fan the module out through gateways, and fold per-device outcomes
// back into the aggregate phase.
type ApplicationReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Resolver     *registry.Resolver
	Orchestrator *orchestrator.Orchestrator
	Fetcher      *artifact.Fetcher
}

// NewApplicationReconciler constructs a reconciler instance.
func NewApplicationReconciler(c client.Client, scheme *runtime.Scheme, recorder record.EventRecorder, orch *orchestrator.Orchestrator) *ApplicationReconciler {
	return &ApplicationReconciler{
		Client:       c,
		Scheme:       scheme,
		Recorder:     recorder,
		Resolver:     registry.NewResolver(c),
		Orchestrator: orch,
		Fetcher:      artifact.NewFetcher(),
	}
}

// SetupWithManager wires the reconciler into the controller manager.
func (r *ApplicationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&apiv1alpha1.Application{}).
		Complete(r)
}

// Reconcile drives one application toward its desired state. Every pass
// recomputes the target set and the aggregate phase from scratch; a repeated
// pass over an unchanged application makes no new dispatches.
func (r *ApplicationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("application", req.NamespacedName)
	ctx = log.IntoContext(ctx, logger)

	var app apiv1alpha1.Application
	if err := r.Get(ctx, req.NamespacedName, &app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !app.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, &app)
	}

	if !controllerutil.ContainsFinalizer(&app, StopFinalizer) {
		controllerutil.AddFinalizer(&app, StopFinalizer)
		if err := r.Update(ctx, &app); err != nil {
			return ctrl.Result{}, err
		}
	}

	phase := app.Status.Phase
	if phase == "" {
		phase = apiv1alpha1.ApplicationPhaseCreating
	}

	// A spec change restarts the rollout from Deploying, whatever the
	// current phase.
	if app.Status.ObservedGeneration != 0 && app.Status.ObservedGeneration != app.Generation &&
		phase != apiv1alpha1.ApplicationPhaseCreating && phase != apiv1alpha1.ApplicationPhaseStopping {
		logger.Info("spec changed, redeploying", "generation", app.Generation)
		r.Recorder.Event(&app, corev1.EventTypeNormal, "SpecChanged", "specification changed, redeploying")
		return r.reconcileDeploying(ctx, &app)
	}

	switch phase {
	case apiv1alpha1.ApplicationPhaseCreating:
		return r.reconcileCreating(ctx, &app)
	case apiv1alpha1.ApplicationPhaseDeploying:
		return r.reconcileDeploying(ctx, &app)
	case apiv1alpha1.ApplicationPhaseRunning, apiv1alpha1.ApplicationPhasePartiallyRunning, apiv1alpha1.ApplicationPhaseFailed:
		return r.reconcileSteady(ctx, &app)
	case apiv1alpha1.ApplicationPhaseStopping:
		return r.reconcileStopping(ctx, &app)
	case apiv1alpha1.ApplicationPhaseStopped:
		return ctrl.Result{}, nil
	default:
		logger.Info("unknown phase, resetting to Creating", "phase", string(phase))
		return r.reconcileCreating(ctx, &app)
	}
}

// reconcileCreating validates the spec and checks that targets exist before
// any dispatch happens. Validation failures are terminal until the spec
// changes; an empty target set fails but keeps being re-evaluated.
func (r *ApplicationReconciler) reconcileCreating(ctx context.Context, app *apiv1alpha1.Application) (ctrl.Result, error) {
	if err := validateSpec(&app.Spec); err != nil {
		r.Recorder.Event(app, corev1.EventTypeWarning, "InvalidSpec", err.Error())
		uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
			status.Phase = apiv1alpha1.ApplicationPhaseFailed
			status.Message = err.Error()
			status.ObservedGeneration = app.Generation
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionSpecValid, "InvalidSpec", err.Error())
		})
		return ctrl.Result{}, uerr
	}

	if _, err := r.Resolver.ResolveTargets(ctx, app); err != nil {
		if errors.Is(err, registry.ErrNoTargetDevices) {
			// Failed, but re-evaluated on every pass: devices may still
			// enroll and match.
			uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
				status.Phase = apiv1alpha1.ApplicationPhaseFailed
				status.Message = err.Error()
				status.Statistics = &apiv1alpha1.ApplicationStatistics{}
				status.ObservedGeneration = app.Generation
				conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionSpecValid, "SpecValid", "specification validated")
				conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionTargetsResolved, "NoTargets", err.Error())
			})
			return ctrl.Result{RequeueAfter: requeueSteady}, uerr
		}
		return ctrl.Result{}, err
	}

	if err := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
		status.Phase = apiv1alpha1.ApplicationPhaseDeploying
		status.Message = "deploying"
		status.ObservedGeneration = app.Generation
		conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionSpecValid, "SpecValid", "specification validated")
		conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionTargetsResolved, "TargetsResolved", "target devices resolved")
	}); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{Requeue: true}, nil
}

// reconcileDeploying fans the module out to every target that is not already
// running the current generation, then aggregates. The spec is re-validated
// here because every dispatch route funnels through this function: an
// application that failed validation stays Failed until the spec changes,
// whichever phase routed it back in.
func (r *ApplicationReconciler) reconcileDeploying(ctx context.Context, app *apiv1alpha1.Application) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(&app.Spec); err != nil {
		uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
			status.Phase = apiv1alpha1.ApplicationPhaseFailed
			status.Message = err.Error()
			status.ObservedGeneration = app.Generation
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionSpecValid, "InvalidSpec", err.Error())
		})
		return ctrl.Result{}, uerr
	}

	targets, err := r.Resolver.ResolveTargets(ctx, app)
	if err != nil {
		if errors.Is(err, registry.ErrNoTargetDevices) {
			uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
				status.DeviceStatuses = nil
				status.Phase = apiv1alpha1.ApplicationPhaseFailed
				status.Message = aggregate.Message(nil)
				status.Statistics = &apiv1alpha1.ApplicationStatistics{}
				status.ObservedGeneration = app.Generation
				conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionTargetsResolved, "NoTargets", err.Error())
			})
			return ctrl.Result{RequeueAfter: requeueSteady}, uerr
		}
		return ctrl.Result{}, err
	}

	bytecode, err := r.Fetcher.Resolve(ctx, &app.Spec)
	if err != nil {
		r.Recorder.Event(app, corev1.EventTypeWarning, "ArtifactError", err.Error())
		uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
			status.Phase = apiv1alpha1.ApplicationPhaseFailed
			status.Message = fmt.Sprintf("artifact: %v", err)
			status.ObservedGeneration = app.Generation
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionDeployed, "ArtifactError", err.Error())
		})
		return ctrl.Result{RequeueAfter: requeueSteady}, uerr
	}

	// Seed entries for the current target set and drop entries for devices
	// no longer targeted, then decide who still needs a dispatch. A changed
	// generation means a new module: every target starts over at Pending so
	// the rollout reaches devices already running the previous version.
	fresh := app.Status.ObservedGeneration != app.Generation
	pending := make([]apiv1alpha1.Device, 0, len(targets))
	if err := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
		status.ObservedGeneration = app.Generation
		status.Phase = apiv1alpha1.ApplicationPhaseDeploying
		status.Message = "deploying"
		rebuilt := make(map[string]apiv1alpha1.DeviceApplicationStatus, len(targets))
		for i := range targets {
			name := targets[i].Name
			entry, ok := status.DeviceStatuses[name]
			if !ok || fresh {
				entry = apiv1alpha1.DeviceApplicationStatus{Phase: apiv1alpha1.DeviceApplicationPhasePending}
			}
			rebuilt[name] = entry
		}
		status.DeviceStatuses = rebuilt
	}); err != nil {
		return ctrl.Result{}, err
	}

	// Re-read so the dispatch decision sees the entries just written plus
	// anything the gateway reported in the meantime.
	if err := r.Get(ctx, client.ObjectKeyFromObject(app), app); err != nil {
		return ctrl.Result{}, err
	}
	for i := range targets {
		entry := app.Status.DeviceStatuses[targets[i].Name]
		if entry.Phase == apiv1alpha1.DeviceApplicationPhaseRunning {
			continue
		}
		pending = append(pending, targets[i])
	}

	if len(pending) > 0 {
		logger.Info("dispatching deploy", "targets", len(targets), "pending", len(pending))
		cmd := orchestrator.DeployCommand{
			AppID:    app.Namespace + "/" + app.Name,
			Name:     app.Name,
			Bytecode: bytecode,
			Config:   deployConfig(app.Spec.Config),
		}
		key := client.ObjectKeyFromObject(app)
		r.Orchestrator.Deploy(ctx, cmd, pending, func(ctx context.Context, device string, dispatchErr error) {
			r.commitDeviceOutcome(ctx, key, device, dispatchErr)
		})
	}

	return r.aggregateAndRequeue(ctx, client.ObjectKeyFromObject(app))
}

// reconcileSteady re-aggregates a settled application and re-dispatches to
// devices that regressed or joined the target set.
func (r *ApplicationReconciler) reconcileSteady(ctx context.Context, app *apiv1alpha1.Application) (ctrl.Result, error) {
	targets, err := r.Resolver.ResolveTargets(ctx, app)
	if err != nil && !errors.Is(err, registry.ErrNoTargetDevices) {
		return ctrl.Result{}, err
	}

	// Devices needing work: not yet tracked, or tracked but not running.
	needsWork := false
	for i := range targets {
		entry, ok := app.Status.DeviceStatuses[targets[i].Name]
		if !ok || entry.Phase != apiv1alpha1.DeviceApplicationPhaseRunning {
			needsWork = true
			break
		}
	}
	if !needsWork && len(targets) == len(app.Status.DeviceStatuses) {
		return r.aggregateAndRequeue(ctx, client.ObjectKeyFromObject(app))
	}

	return r.reconcileDeploying(ctx, app)
}

// reconcileStopping fans out stop commands and settles into Stopped. Stops
// are best effort: a device that cannot be reached has nothing running worth
// waiting for.
func (r *ApplicationReconciler) reconcileStopping(ctx context.Context, app *apiv1alpha1.Application) (ctrl.Result, error) {
	if err := r.stopEverywhere(ctx, app); err != nil {
		return ctrl.Result{}, err
	}
	r.Recorder.Event(app, corev1.EventTypeNormal, "Stopped", "application stopped on all reachable devices")
	uerr := r.updateStatus(ctx, app, func(status *apiv1alpha1.ApplicationStatus) {
		status.Phase = apiv1alpha1.ApplicationPhaseStopped
		status.Message = "stopped"
		for name, entry := range status.DeviceStatuses {
			if entry.Phase != apiv1alpha1.DeviceApplicationPhaseFailed {
				entry.Phase = apiv1alpha1.DeviceApplicationPhaseStopped
			}
			status.DeviceStatuses[name] = entry
		}
		stats := aggregate.Statistics(status.DeviceStatuses)
		status.Statistics = &stats
	})
	return ctrl.Result{}, uerr
}

// reconcileDelete stops running modules before the finalizer is released.
func (r *ApplicationReconciler) reconcileDelete(ctx context.Context, app *apiv1alpha1.Application) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(app, StopFinalizer) {
		return ctrl.Result{}, nil
	}

	if err := r.stopEverywhere(ctx, app); err != nil {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(app, StopFinalizer)
	if err := r.Update(ctx, app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// stopEverywhere dispatches stop commands to every device tracked in status.
// Unreachable devices are skipped without error.
func (r *ApplicationReconciler) stopEverywhere(ctx context.Context, app *apiv1alpha1.Application) error {
	logger := log.FromContext(ctx)

	names := make([]string, 0, len(app.Status.DeviceStatuses))
	for name, entry := range app.Status.DeviceStatuses {
		if entry.Phase == apiv1alpha1.DeviceApplicationPhaseStopped {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}

	targets := make([]apiv1alpha1.Device, 0, len(names))
	for _, name := range names {
		var device apiv1alpha1.Device
		key := client.ObjectKey{Name: name, Namespace: app.Namespace}
		if err := r.Get(ctx, key, &device); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return err
		}
		targets = append(targets, device)
	}

	appID := app.Namespace + "/" + app.Name
	results := r.Orchestrator.Stop(ctx, appID, targets, nil)
	for _, res := range results {
		if res.Err != nil {
			logger.V(1).Info("stop dispatch failed", "device", res.Device, "error", res.Err.Error())
		}
	}
	return nil
}

// commitDeviceOutcome records one device's dispatch result the moment it is
// final, so partial progress is visible while the rest of the fan-out runs.
func (r *ApplicationReconciler) commitDeviceOutcome(ctx context.Context, key client.ObjectKey, device string, dispatchErr error) {
	logger := log.FromContext(ctx)

	for attempt := 0; attempt < statusUpdateAttempts; attempt++ {
		var app apiv1alpha1.Application
		if err := r.Get(ctx, key, &app); err != nil {
			return
		}
		before := app.DeepCopy()
		if app.Status.DeviceStatuses == nil {
			app.Status.DeviceStatuses = make(map[string]apiv1alpha1.DeviceApplicationStatus)
		}
		entry := app.Status.DeviceStatuses[device]
		if dispatchErr == nil {
			entry.Phase = apiv1alpha1.DeviceApplicationPhaseRunning
			entry.Error = ""
		} else {
			entry.Phase = apiv1alpha1.DeviceApplicationPhaseFailed
			entry.Error = dispatchErr.Error()
		}
		now := metav1.NewTime(time.Now())
		entry.LastUpdated = &now
		app.Status.DeviceStatuses[device] = entry

		err := r.Status().Patch(ctx, &app, client.MergeFromWithOptions(before, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return
		}
		if !apierrors.IsConflict(err) {
			logger.Error(err, "commit device outcome", "device", device)
			return
		}
	}
	logger.Info("device outcome dropped after conflicts; next poll will recover it", "device", device)
}

// aggregateAndRequeue recomputes phase, statistics and message from the
// per-device entries and schedules the next pass.
func (r *ApplicationReconciler) aggregateAndRequeue(ctx context.Context, key client.ObjectKey) (ctrl.Result, error) {
	var app apiv1alpha1.Application
	if err := r.Get(ctx, key, &app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	previous := app.Status.Phase
	phase := aggregate.Phase(app.Status.DeviceStatuses)

	if err := r.updateStatus(ctx, &app, func(status *apiv1alpha1.ApplicationStatus) {
		status.Phase = phase
		status.Message = aggregate.Message(status.DeviceStatuses)
		stats := aggregate.Statistics(status.DeviceStatuses)
		status.Statistics = &stats
		switch phase {
		case apiv1alpha1.ApplicationPhaseRunning:
			conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionDeployed, "Deployed", "running on all target devices")
			conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionAvailable, "Available", status.Message)
		case apiv1alpha1.ApplicationPhasePartiallyRunning:
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionDeployed, "PartiallyDeployed", status.Message)
			conditions.MarkTrue(&status.Conditions, apiv1alpha1.ConditionAvailable, "PartiallyAvailable", status.Message)
		case apiv1alpha1.ApplicationPhaseFailed:
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionDeployed, "DeployFailed", status.Message)
			conditions.MarkFalse(&status.Conditions, apiv1alpha1.ConditionAvailable, "Unavailable", status.Message)
		}
	}); err != nil {
		return ctrl.Result{}, err
	}

	if phase != previous {
		eventType := corev1.EventTypeNormal
		if phase == apiv1alpha1.ApplicationPhaseFailed || phase == apiv1alpha1.ApplicationPhasePartiallyRunning {
			eventType = corev1.EventTypeWarning
		}
		r.Recorder.Eventf(&app, eventType, string(phase), "application is %s: %s", string(phase), aggregate.Message(app.Status.DeviceStatuses))
	}

	if phase == apiv1alpha1.ApplicationPhaseDeploying {
		return ctrl.Result{RequeueAfter: requeueActive}, nil
	}
	return ctrl.Result{RequeueAfter: requeueSteady}, nil
}

// updateStatus applies mutate to the application's status with optimistic
// locking, retrying on conflict. Illegal phase transitions are rejected here
// so no caller can skip the lifecycle graph.
func (r *ApplicationReconciler) updateStatus(ctx context.Context, app *apiv1alpha1.Application, mutate func(*apiv1alpha1.ApplicationStatus)) error {
	key := client.ObjectKeyFromObject(app)

	for attempt := 0; attempt < statusUpdateAttempts; attempt++ {
		var current apiv1alpha1.Application
		if err := r.Get(ctx, key, &current); err != nil {
			return err
		}

		before := current.DeepCopy()
		previous := current.Status.Phase
		mutate(&current.Status)

		if previous != "" && current.Status.Phase != "" && !previous.CanTransitionTo(current.Status.Phase) {
			return fmt.Errorf("illegal phase transition %s -> %s", previous, current.Status.Phase)
		}

		err := r.Status().Patch(ctx, &current, client.MergeFromWithOptions(before, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			current.DeepCopyInto(app)
			return nil
		}
		if !apierrors.IsConflict(err) {
			return err
		}
	}

	return apierrors.NewConflict(apiv1alpha1.SchemeGroupVersion.WithResource("applications").GroupResource(), app.Name, fmt.Errorf("status patch conflict after retries"))
}

// validateSpec enforces the structural rules the CRD schema cannot express.
func validateSpec(spec *apiv1alpha1.ApplicationSpec) error {
	hasInline := len(spec.WasmBytes) > 0
	hasArtifact := spec.WasmArtifact != nil
	switch {
	case !hasInline && !hasArtifact:
		return fmt.Errorf("one of wasmBytes or wasmArtifact is required")
	case hasInline && hasArtifact:
		return fmt.Errorf("wasmBytes and wasmArtifact are mutually exclusive")
	}
	if spec.TargetSelector == nil && len(spec.DeviceNames) == 0 {
		return fmt.Errorf("one of targetSelector or deviceNames is required")
	}
	return nil
}

// deployConfig converts the CRD config block to its wire form.
func deployConfig(cfg *apiv1alpha1.ApplicationConfig) *protocol.Config {
	if cfg == nil {
		return nil
	}
	return &protocol.Config{
		MemoryLimitBytes:   cfg.MemoryLimitBytes,
		CPUTimeLimitMillis: cfg.CPUTimeLimitMillis,
		Env:                cfg.Env,
		Args:               cfg.Args,
	}
}
