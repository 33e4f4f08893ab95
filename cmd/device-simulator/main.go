package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/apollo/wasmbed/pkg/device"
	"github.com/apollo/wasmbed/pkg/log"
	"github.com/apollo/wasmbed/pkg/version"
)

func main() {
	var addr string
	var certFile string
	var keyFile string
	var caFile string
	var serverName string
	var heartbeat time.Duration
	var failApps string

	flag.StringVar(&addr, "gateway", "localhost:4423", "Gateway device listener address")
	flag.StringVar(&certFile, "tls-cert", os.Getenv("WASMBED_DEVICE_CERT"), "Path to the device TLS certificate")
	flag.StringVar(&keyFile, "tls-key", os.Getenv("WASMBED_DEVICE_KEY"), "Path to the device TLS key")
	flag.StringVar(&caFile, "gateway-ca", os.Getenv("WASMBED_GATEWAY_CA"), "Path to the CA the gateway certificate chains to")
	flag.StringVar(&serverName, "server-name", "", "Expected gateway TLS server name (defaults to the dialed host)")
	flag.DurationVar(&heartbeat, "heartbeat-interval", 30*time.Second, "Heartbeat interval")
	flag.StringVar(&failApps, "fail-app", "", "App id whose deployments this device rejects (for fault injection)")

	log.Setup()

	logger := ctrl.Log.WithName("device-simulator")
	logger.Info("starting device simulator", "gateway", addr, "version", version.Version, "commit", version.Commit)

	tlsConfig, err := device.LoadTLSConfig(certFile, keyFile, caFile, serverName)
	if err != nil {
		logger.Error(err, "unable to load TLS configuration")
		os.Exit(1)
	}

	runtime := device.NewFakeRuntime()
	if failApps != "" {
		runtime.DeployErr = func(appID string) error {
			if appID == failApps {
				return fmt.Errorf("simulated deployment failure")
			}
			return nil
		}
	}

	client, err := device.New(device.Options{
		Addr:              addr,
		TLSConfig:         tlsConfig,
		HeartbeatInterval: heartbeat,
		Runtime:           runtime,
		Logger:            logger,
	})
	if err != nil {
		logger.Error(err, "unable to build device client")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	for ctx.Err() == nil {
		if err := client.Run(ctx); err != nil {
			logger.Error(err, "session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}
