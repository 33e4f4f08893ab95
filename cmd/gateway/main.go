package main

import (
	"context"
	"flag"
	"os"
	"time"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/gateway"
	"github.com/apollo/wasmbed/pkg/log"
	"github.com/apollo/wasmbed/pkg/version"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

var scheme = clientgoscheme.Scheme

func init() {
	_ = apiv1alpha1.AddToScheme(scheme)
}

func main() {
	var name string
	var namespace string
	var deviceAddr string
	var httpAddr string
	var metricsAddr string
	var probeAddr string
	var certFile string
	var keyFile string
	var caFile string
	var authToken string
	var heartbeatInterval time.Duration
	var heartbeatTimeout time.Duration
	var sweepInterval time.Duration
	var ackTimeout time.Duration

	flag.StringVar(&name, "name", os.Getenv("WASMBED_GATEWAY_NAME"), "Name of this gateway's Gateway resource")
	flag.StringVar(&namespace, "namespace", os.Getenv("WASMBED_NAMESPACE"), "Namespace of the devices this gateway manages")
	flag.StringVar(&deviceAddr, "device-addr", ":4423", "TLS listener address for device sessions")
	flag.StringVar(&httpAddr, "http-addr", ":8080", "Management HTTP listener address")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8082", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&certFile, "tls-cert", os.Getenv("WASMBED_TLS_CERT"), "Path to the gateway TLS certificate")
	flag.StringVar(&keyFile, "tls-key", os.Getenv("WASMBED_TLS_KEY"), "Path to the gateway TLS key")
	flag.StringVar(&caFile, "client-ca", os.Getenv("WASMBED_CLIENT_CA"), "Path to the CA bundle device certificates must chain to")
	flag.StringVar(&authToken, "auth-token", os.Getenv("WASMBED_GATEWAY_TOKEN"), "Shared token expected in X-Auth-Token on management calls")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "Heartbeat interval advertised to devices")
	flag.DurationVar(&heartbeatTimeout, "heartbeat-timeout", 90*time.Second, "Silence after which a device is unreachable")
	flag.DurationVar(&sweepInterval, "sweep-interval", 10*time.Second, "How often the heartbeat sweep runs")
	flag.DurationVar(&ackTimeout, "ack-timeout", 30*time.Second, "How long to wait for a device acknowledgment")

	log.Setup()

	logger := ctrl.Log.WithName("gateway-setup")
	logger.Info("starting gateway", "name", name, "deviceAddr", deviceAddr, "version", version.Version, "commit", version.Commit)

	tlsConfig, err := gateway.LoadTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		logger.Error(err, "unable to load TLS configuration")
		os.Exit(1)
	}

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

	ctx := context.Background()
	if err := mgr.GetFieldIndexer().IndexField(ctx, &apiv1alpha1.Device{}, gateway.DeviceKeyIndex, func(obj client.Object) []string {
		device, ok := obj.(*apiv1alpha1.Device)
		if !ok || device.Spec.PublicKey == "" {
			return nil
		}
		return []string{device.Spec.PublicKey}
	}); err != nil {
		logger.Error(err, "unable to set public key index")
		os.Exit(1)
	}

	gw := gateway.New(
		mgr.GetClient(),
		mgr.GetEventRecorderFor("gateway"),
		gateway.Options{
			Name:              name,
			Namespace:         namespace,
			DeviceAddr:        deviceAddr,
			HTTPAddr:          httpAddr,
			TLSConfig:         tlsConfig,
			AuthToken:         authToken,
			HeartbeatInterval: heartbeatInterval,
			HeartbeatTimeout:  heartbeatTimeout,
			SweepInterval:     sweepInterval,
			AckTimeout:        ackTimeout,
		},
	)

	if err := mgr.Add(gw); err != nil {
		logger.Error(err, "unable to add gateway runnable")
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
