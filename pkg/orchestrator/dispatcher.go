package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
	"github.com/apollo/wasmbed/pkg/protocol"
)

const authTokenHeader = "X-Auth-Token"

// dispatchResponse mirrors the gateway management API's response body.
type dispatchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type deployRequest struct {
	AppID    string           `json:"appId"`
	Name     string           `json:"name,omitempty"`
	Bytecode []byte           `json:"bytecode"`
	Config   *protocol.Config `json:"config,omitempty"`
}

type stopRequest struct {
	AppID string `json:"appId"`
}

// GatewayDispatcher delivers commands over each device's assigned gateway's
// management HTTP API.
type GatewayDispatcher struct {
	reader     client.Reader
	httpClient *http.Client
	authToken  string
}

// NewGatewayDispatcher constructs a dispatcher that resolves gateway
// endpoints from Gateway resources via reader.
func NewGatewayDispatcher(reader client.Reader, authToken string, ackTimeout time.Duration) *GatewayDispatcher {
	if ackTimeout <= 0 {
		ackTimeout = 35 * time.Second
	}
	return &GatewayDispatcher{
		reader: reader,
		// The gateway holds the request open while waiting for the
		// device ack, so the client timeout sits above the ack timeout.
		httpClient: &http.Client{Timeout: ackTimeout},
		authToken:  authToken,
	}
}

// Deploy sends a deploy command to the device through its gateway.
func (d *GatewayDispatcher) Deploy(ctx context.Context, device *apiv1alpha1.Device, cmd DeployCommand) error {
	body := deployRequest{AppID: cmd.AppID, Name: cmd.Name, Bytecode: cmd.Bytecode, Config: cmd.Config}
	return d.post(ctx, device, "deploy", body)
}

// Stop sends a stop command to the device through its gateway.
func (d *GatewayDispatcher) Stop(ctx context.Context, device *apiv1alpha1.Device, appID string) error {
	return d.post(ctx, device, "stop", stopRequest{AppID: appID})
}

func (d *GatewayDispatcher) post(ctx context.Context, device *apiv1alpha1.Device, action string, body any) error {
	endpoint, err := d.gatewayEndpoint(ctx, device)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/v1/devices/%s/%s", strings.TrimRight(endpoint, "/"), device.Name, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set(authTokenHeader, d.authToken)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return ErrDeviceUnreachable
	case http.StatusGatewayTimeout:
		return ErrAckTimeout
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	if !result.Success {
		// The device's own error text travels back verbatim so the
		// application status shows what actually went wrong on-device.
		if result.Error == "" {
			return fmt.Errorf("device rejected %s", action)
		}
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// gatewayEndpoint resolves the management endpoint of the device's assigned
// gateway.
func (d *GatewayDispatcher) gatewayEndpoint(ctx context.Context, device *apiv1alpha1.Device) (string, error) {
	name := device.Status.AssignedGateway
	if name == "" {
		return "", fmt.Errorf("%w: device has no assigned gateway", ErrDeviceUnreachable)
	}
	var gw apiv1alpha1.Gateway
	key := types.NamespacedName{Name: name, Namespace: device.Namespace}
	if err := d.reader.Get(ctx, key, &gw); err != nil {
		return "", fmt.Errorf("%w: gateway %s: %v", ErrDeviceUnreachable, name, err)
	}
	if gw.Spec.Endpoint == "" {
		return "", fmt.Errorf("%w: gateway %s has no endpoint", ErrDeviceUnreachable, name)
	}
	return gw.Spec.Endpoint, nil
}
