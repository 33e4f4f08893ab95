package main

import (
	"flag"
	"os"
	"time"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/controller/reconcilers"
	"github.com/apollo/wasmbed/pkg/backoff"
	"github.com/apollo/wasmbed/pkg/log"
	"github.com/apollo/wasmbed/pkg/orchestrator"
	"github.com/apollo/wasmbed/pkg/version"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

var (
	scheme = clientgoscheme.Scheme
)

func init() {
	_ = apiv1alpha1.AddToScheme(scheme)
}

func main() {
	var metricsAddr string
	var probeAddr string
	var gatewayToken string
	var dispatchWorkers int
	var dispatchRetries int
	var ackTimeout time.Duration

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&gatewayToken, "gateway-token", os.Getenv("WASMBED_GATEWAY_TOKEN"), "Shared token for gateway management API calls")
	flag.IntVar(&dispatchWorkers, "dispatch-workers", 8, "Concurrent device dispatches per fan-out")
	flag.IntVar(&dispatchRetries, "dispatch-retries", 3, "Retries per device after the first dispatch attempt")
	flag.DurationVar(&ackTimeout, "ack-timeout", 30*time.Second, "How long a gateway waits for a device acknowledgment")

	log.Setup()

	logger := ctrllog.Log.WithName("setup")
	logger.Info("starting controller manager", "version", version.Version, "commit", version.Commit)

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), manager.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
	})
	if err != nil {
		logger.Error(err, "unable to start manager")
		os.Exit(1)
	}

	policy := backoff.Default()
	policy.MaxRetries = dispatchRetries
	dispatcher := orchestrator.NewGatewayDispatcher(mgr.GetClient(), gatewayToken, ackTimeout+5*time.Second)
	orch := orchestrator.New(dispatcher).WithPolicy(policy).WithWorkers(dispatchWorkers)

	appReconciler := reconcilers.NewApplicationReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		mgr.GetEventRecorderFor("application-controller"),
		orch,
	)
	if err := appReconciler.SetupWithManager(mgr); err != nil {
		logger.Error(err, "unable to create controller", "controller", "Application")
		os.Exit(1)
	}

	deviceReconciler := reconcilers.NewDeviceReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		mgr.GetEventRecorderFor("device-controller"),
	)
	if err := deviceReconciler.SetupWithManager(mgr); err != nil {
		logger.Error(err, "unable to create controller", "controller", "Device")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		logger.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		logger.Error(err, "problem running manager")
		os.Exit(1)
	}
}
