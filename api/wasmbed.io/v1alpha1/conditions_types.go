package v1alpha1

// ConditionType represents a typed condition name used on status conditions.
type ConditionType string

const (
	// Spec validation
	ConditionSpecValid ConditionType = "SpecValid"
	// Target resolution
	ConditionTargetsResolved ConditionType = "TargetsResolved"
	// Deployment progress
	ConditionDeployed ConditionType = "Deployed"
	// Device connectivity
	ConditionDeviceConnected ConditionType = "DeviceConnected"
	// Enrollment
	ConditionEnrolled ConditionType = "Enrolled"

	// High-level rollout and availability
	ConditionAvailable   ConditionType = "Available"
	ConditionProgressing ConditionType = "Progressing"
)
