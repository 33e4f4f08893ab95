// Copyright 2025 Apollo
// SPDX-License-Identifier: Apache-2.0

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// GatewaySpec defines the desired state of a Gateway.
type GatewaySpec struct {
	// Endpoint is the address devices dial for TLS sessions (host:port).
	// +kubebuilder:validation:MinLength=1
	Endpoint string `json:"endpoint"`
	// TLSSecretName names the Secret holding the gateway's server certificate,
	// key and trusted CA bundle.
	TLSSecretName string `json:"tlsSecretName,omitempty"`
}

// GatewayStatus is written by the gateway process itself.
type GatewayStatus struct {
	// ConnectedDevices is the number of devices with a live session.
	ConnectedDevices int32 `json:"connectedDevices,omitempty"`
	// EnrolledDevices is the number of devices that completed enrollment.
	EnrolledDevices int32 `json:"enrolledDevices,omitempty"`
	// Conditions capture gateway health.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:scope=Namespaced
//+kubebuilder:printcolumn:name="ENDPOINT",type=string,JSONPath=`.spec.endpoint`
//+kubebuilder:printcolumn:name="CONNECTED",type=integer,JSONPath=`.status.connectedDevices`
//+kubebuilder:printcolumn:name="AGE",type=date,JSONPath=`.metadata.creationTimestamp`

// Gateway is the Schema for the gateways API.
type Gateway struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GatewaySpec   `json:"spec"`
	Status GatewayStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// GatewayList contains a list of Gateway.
type GatewayList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Gateway `json:"items"`
}

func init() {
	SchemeBuilder.Register(
		&Application{}, &ApplicationList{},
		&Device{}, &DeviceList{},
		&Gateway{}, &GatewayList{},
	)
}
