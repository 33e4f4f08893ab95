// Copyright 2025 Apollo
// SPDX-License-Identifier: Apache-2.0

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// WasmArtifact references a WASM module stored in an OCI registry.
type WasmArtifact struct {
	// Reference is the OCI reference of the module (registry/repo:tag or @digest).
	// +kubebuilder:validation:MinLength=1
	Reference string `json:"reference"`
	// ChecksumSHA256 is an optional SHA256 checksum for integrity verification.
	// +kubebuilder:validation:Pattern=`^[A-Fa-f0-9]{64}$`
	ChecksumSHA256 string `json:"checksumSHA256,omitempty"`
}

// ApplicationConfig carries runtime limits forwarded to the device.
type ApplicationConfig struct {
	// MemoryLimitBytes caps the module's linear memory.
	// +kubebuilder:default=1048576
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty"`
	// CPUTimeLimitMillis caps CPU time per invocation.
	// +kubebuilder:default=1000
	CPUTimeLimitMillis int64 `json:"cpuTimeLimitMillis,omitempty"`
	// Env sets environment variables for the module instance.
	Env map[string]string `json:"env,omitempty"`
	// Args are passed to the module on start.
	Args []string `json:"args,omitempty"`
}

// ApplicationSpec defines the desired state of an Application.
type ApplicationSpec struct {
	// Description is a human readable summary of the application.
	Description string `json:"description,omitempty"`
	// WasmBytes is the WASM module inline. Mutually exclusive with wasmArtifact.
	WasmBytes []byte `json:"wasmBytes,omitempty"`
	// WasmArtifact references the WASM module in an OCI registry.
	WasmArtifact *WasmArtifact `json:"wasmArtifact,omitempty"`
	// TargetSelector selects target devices by label.
	TargetSelector *metav1.LabelSelector `json:"targetSelector,omitempty"`
	// DeviceNames selects target devices by exact name.
	DeviceNames []string `json:"deviceNames,omitempty"`
	// Config carries runtime limits for the module.
	Config *ApplicationConfig `json:"config,omitempty"`
}

// ApplicationPhase is the aggregate lifecycle phase of an Application.
// +kubebuilder:validation:Enum=Creating;Deploying;Running;PartiallyRunning;Failed;Stopping;Stopped
type ApplicationPhase string

const (
	ApplicationPhaseCreating         ApplicationPhase = "Creating"
	ApplicationPhaseDeploying        ApplicationPhase = "Deploying"
	ApplicationPhaseRunning          ApplicationPhase = "Running"
	ApplicationPhasePartiallyRunning ApplicationPhase = "PartiallyRunning"
	ApplicationPhaseFailed           ApplicationPhase = "Failed"
	ApplicationPhaseStopping         ApplicationPhase = "Stopping"
	ApplicationPhaseStopped          ApplicationPhase = "Stopped"
)

// applicationTransitions enumerates the legal phase graph. Self transitions
// are always legal and not listed.
var applicationTransitions = map[ApplicationPhase][]ApplicationPhase{
	ApplicationPhaseCreating:         {ApplicationPhaseDeploying, ApplicationPhaseFailed},
	ApplicationPhaseDeploying:        {ApplicationPhaseRunning, ApplicationPhasePartiallyRunning, ApplicationPhaseFailed, ApplicationPhaseStopping},
	ApplicationPhaseRunning:          {ApplicationPhasePartiallyRunning, ApplicationPhaseFailed, ApplicationPhaseDeploying, ApplicationPhaseStopping},
	ApplicationPhasePartiallyRunning: {ApplicationPhaseRunning, ApplicationPhaseFailed, ApplicationPhaseDeploying, ApplicationPhaseStopping},
	ApplicationPhaseFailed:           {ApplicationPhaseCreating, ApplicationPhaseDeploying, ApplicationPhaseStopping},
	ApplicationPhaseStopping:         {ApplicationPhaseStopped, ApplicationPhaseFailed},
	ApplicationPhaseStopped:          {ApplicationPhaseDeploying},
}

// CanTransitionTo reports whether moving from p to next is a legal phase change.
func (p ApplicationPhase) CanTransitionTo(next ApplicationPhase) bool {
	if p == next {
		return true
	}
	for _, allowed := range applicationTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeviceApplicationPhase is the per-device lifecycle phase of an Application.
// +kubebuilder:validation:Enum=Pending;Deploying;Running;Failed;Stopped
type DeviceApplicationPhase string

const (
	DeviceApplicationPhasePending   DeviceApplicationPhase = "Pending"
	DeviceApplicationPhaseDeploying DeviceApplicationPhase = "Deploying"
	DeviceApplicationPhaseRunning   DeviceApplicationPhase = "Running"
	DeviceApplicationPhaseFailed    DeviceApplicationPhase = "Failed"
	DeviceApplicationPhaseStopped   DeviceApplicationPhase = "Stopped"
)

// DeviceApplicationStatus is the observed state of an Application on one device.
type DeviceApplicationStatus struct {
	// Phase is the per-device lifecycle phase.
	Phase DeviceApplicationPhase `json:"phase"`
	// LastUpdated is when this entry last changed.
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`
	// Error holds the device-reported or dispatch error, verbatim.
	Error string `json:"error,omitempty"`
	// RestartCount is the number of times the module restarted on the device.
	RestartCount int32 `json:"restartCount,omitempty"`
}

// ApplicationStatistics summarizes per-device outcomes. DeployedDevices
// counts devices a deploy command has reached, whatever its outcome.
type ApplicationStatistics struct {
	TotalDevices    int32 `json:"totalDevices,omitempty"`
	DeployedDevices int32 `json:"deployedDevices,omitempty"`
	RunningDevices  int32 `json:"runningDevices,omitempty"`
	FailedDevices   int32 `json:"failedDevices,omitempty"`
	StoppedDevices  int32 `json:"stoppedDevices,omitempty"`
}

// ApplicationStatus defines the observed state of an Application.
type ApplicationStatus struct {
	// ObservedGeneration is the most recent generation observed by the controller.
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	// Phase is derived from DeviceStatuses by the aggregation rule; it is
	// never set independently of them.
	Phase ApplicationPhase `json:"phase,omitempty"`
	// DeviceStatuses maps device name to per-device status.
	DeviceStatuses map[string]DeviceApplicationStatus `json:"deviceStatuses,omitempty"`
	// Statistics summarizes DeviceStatuses.
	Statistics *ApplicationStatistics `json:"statistics,omitempty"`
	// Message is a free-text summary of the current state.
	Message string `json:"message,omitempty"`
	// Conditions capture granular state transitions.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:scope=Namespaced
//+kubebuilder:printcolumn:name="PHASE",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="DEVICES",type=integer,JSONPath=`.status.statistics.totalDevices`
//+kubebuilder:printcolumn:name="RUNNING",type=integer,JSONPath=`.status.statistics.runningDevices`
//+kubebuilder:printcolumn:name="AGE",type=date,JSONPath=`.metadata.creationTimestamp`

// Application is the Schema for the applications API.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec"`
	Status ApplicationStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ApplicationList contains a list of Application.
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}
