package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/apollo/wasmbed/pkg/protocol"
)

const (
	authTokenHeader   = "X-Auth-Token"
	maxDeployBodySize = protocol.MaxFrameSize + (1 << 20)
)

// DeployRequest is the management API body for a deploy dispatch.
type DeployRequest struct {
	AppID    string           `json:"appId"`
	Name     string           `json:"name,omitempty"`
	Bytecode []byte           `json:"bytecode"`
	Config   *protocol.Config `json:"config,omitempty"`
}

// StopRequest is the management API body for a stop dispatch.
type StopRequest struct {
	AppID string `json:"appId"`
}

// DispatchResponse reports the device's acknowledgment of a command.
type DispatchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse summarizes the gateway for GET /status.
type StatusResponse struct {
	Gateway           string         `json:"gateway"`
	ConnectedDevices  int            `json:"connectedDevices"`
	EnrolledDevices   int32          `json:"enrolledDevices"`
	DevicePhases      map[string]int `json:"devicePhases,omitempty"`
	ApplicationPhases map[string]int `json:"applicationPhases,omitempty"`
}

func (g *Gateway) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/api/v1/devices/", g.handleDeviceCommand)
	return mux
}

func (g *Gateway) authorize(r *http.Request) bool {
	if g.opts.AuthToken == "" {
		return true
	}
	return strings.TrimSpace(r.Header.Get(authTokenHeader)) == g.opts.AuthToken
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !g.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := StatusResponse{
		Gateway:          g.opts.Name,
		ConnectedDevices: g.table.Connected(),
		EnrolledDevices:  g.countEnrolled(r.Context()),
	}
	resp.DevicePhases, resp.ApplicationPhases = g.countPhases(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !g.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 {
		http.NotFound(w, r)
		return
	}
	deviceName := parts[3]
	action := parts[4]

	sess := g.lookupSession(deviceName)
	if sess == nil {
		dispatchTotal.WithLabelValues(action, "unreachable").Inc()
		http.Error(w, ErrDeviceUnreachable.Error(), http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDeployBodySize)
	defer r.Body.Close()

	ctx := r.Context()
	var resp DispatchResponse
	var err error

	switch action {
	case "deploy":
		var req DeployRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.AppID == "" || len(req.Bytecode) == 0 {
			http.Error(w, "appId and bytecode are required", http.StatusBadRequest)
			return
		}
		var ack *protocol.DeploymentAck
		ack, err = sess.deploy(ctx, &protocol.DeployApplication{
			AppID:    req.AppID,
			Name:     req.Name,
			Bytecode: req.Bytecode,
			Config:   req.Config,
		})
		if err == nil {
			resp = DispatchResponse{Success: ack.Success, Error: ack.Error}
		}
	case "stop":
		var req StopRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.AppID == "" {
			http.Error(w, "appId is required", http.StatusBadRequest)
			return
		}
		var ack *protocol.StopAck
		ack, err = sess.stop(ctx, &protocol.StopApplication{AppID: req.AppID})
		if err == nil {
			resp = DispatchResponse{Success: ack.Success, Error: ack.Error}
		}
	default:
		http.NotFound(w, r)
		return
	}

	switch {
	case errors.Is(err, ErrAckTimeout):
		dispatchTotal.WithLabelValues(action, "timeout").Inc()
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case errors.Is(err, ErrDeviceUnreachable):
		dispatchTotal.WithLabelValues(action, "unreachable").Inc()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		dispatchTotal.WithLabelValues(action, "error").Inc()
		g.log.Error(err, "dispatch failed", "device", deviceName, "action", action)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if resp.Success {
		dispatchTotal.WithLabelValues(action, "ok").Inc()
	} else {
		dispatchTotal.WithLabelValues(action, "rejected").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
