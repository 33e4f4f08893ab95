// Copyright 2025 Apollo
// SPDX-License-Identifier: Apache-2.0

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeviceSpec defines the desired state of a Device.
type DeviceSpec struct {
	// PublicKey is the device's Ed25519 public key, PEM encoded (SPKI).
	// +kubebuilder:validation:MinLength=1
	PublicKey string `json:"publicKey"`
	// DeviceType describes the hardware class (e.g. esp32, hifive1, simulator).
	DeviceType string `json:"deviceType,omitempty"`
}

// DevicePhase is the connection lifecycle phase of a Device.
// +kubebuilder:validation:Enum=Pending;Enrolling;Enrolled;Connected;Disconnected;Unreachable
type DevicePhase string

const (
	DevicePhasePending      DevicePhase = "Pending"
	DevicePhaseEnrolling    DevicePhase = "Enrolling"
	DevicePhaseEnrolled     DevicePhase = "Enrolled"
	DevicePhaseConnected    DevicePhase = "Connected"
	DevicePhaseDisconnected DevicePhase = "Disconnected"
	DevicePhaseUnreachable  DevicePhase = "Unreachable"
)

var deviceTransitions = map[DevicePhase][]DevicePhase{
	DevicePhasePending:      {DevicePhaseEnrolling},
	DevicePhaseEnrolling:    {DevicePhaseEnrolled, DevicePhasePending},
	DevicePhaseEnrolled:     {DevicePhaseConnected},
	DevicePhaseConnected:    {DevicePhaseDisconnected, DevicePhaseUnreachable},
	DevicePhaseDisconnected: {DevicePhaseConnected, DevicePhaseUnreachable},
	DevicePhaseUnreachable:  {DevicePhaseConnected, DevicePhaseDisconnected},
}

// CanTransitionTo reports whether moving from p to next is a legal phase change.
func (p DevicePhase) CanTransitionTo(next DevicePhase) bool {
	if p == next {
		return true
	}
	for _, allowed := range deviceTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeviceStatus defines the observed state of a Device. Connection state and
// heartbeat are owned exclusively by the gateway session manager.
type DeviceStatus struct {
	// Phase is the connection lifecycle phase.
	Phase DevicePhase `json:"phase,omitempty"`
	// DeviceID is the identifier assigned at enrollment, derived from the
	// public key fingerprint.
	DeviceID string `json:"deviceID,omitempty"`
	// AssignedGateway names the gateway the device last connected through.
	AssignedGateway string `json:"assignedGateway,omitempty"`
	// ConnectedSince is when the current session was established.
	ConnectedSince *metav1.Time `json:"connectedSince,omitempty"`
	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat *metav1.Time `json:"lastHeartbeat,omitempty"`
	// Conditions capture granular state transitions.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:scope=Namespaced
//+kubebuilder:printcolumn:name="PHASE",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="TYPE",type=string,JSONPath=`.spec.deviceType`
//+kubebuilder:printcolumn:name="GATEWAY",type=string,JSONPath=`.status.assignedGateway`
//+kubebuilder:printcolumn:name="HEARTBEAT",type=date,JSONPath=`.status.lastHeartbeat`
//+kubebuilder:printcolumn:name="AGE",type=date,JSONPath=`.metadata.creationTimestamp`

// Device is the Schema for the devices API.
type Device struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DeviceSpec   `json:"spec"`
	Status DeviceStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// DeviceList contains a list of Device.
type DeviceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Device `json:"items"`
}
