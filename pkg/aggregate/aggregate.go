// Package aggregate folds per-device application outcomes into the single
// application-level phase. The rule is pure and total: any status map
// produces exactly one phase.
package aggregate

import (
	"fmt"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

// Phase computes the application phase from per-device statuses.
//
// Precedence:
//   - every device Running            -> Running
//   - every device Stopped            -> Stopped
//   - no device Running or in flight  -> Failed (covers the empty map:
//     zero reachable devices is a failure)
//   - no device Running yet           -> Deploying (failures may still be
//     retried while others are in flight; a settled map never has in-flight
//     entries, so this case only shows up mid fan-out)
//   - any other mixture               -> PartiallyRunning
func Phase(statuses map[string]apiv1alpha1.DeviceApplicationStatus) apiv1alpha1.ApplicationPhase {
	c := count(statuses)

	switch {
	case c.total > 0 && c.running == c.total:
		return apiv1alpha1.ApplicationPhaseRunning
	case c.total > 0 && c.stopped == c.total:
		return apiv1alpha1.ApplicationPhaseStopped
	case c.running == 0 && c.inFlight == 0 && c.failed > 0:
		return apiv1alpha1.ApplicationPhaseFailed
	case c.total == 0:
		return apiv1alpha1.ApplicationPhaseFailed
	case c.running == 0 && c.inFlight > 0:
		return apiv1alpha1.ApplicationPhaseDeploying
	default:
		return apiv1alpha1.ApplicationPhasePartiallyRunning
	}
}

// Statistics summarizes the status map for Application.status.statistics.
func Statistics(statuses map[string]apiv1alpha1.DeviceApplicationStatus) apiv1alpha1.ApplicationStatistics {
	c := count(statuses)
	return apiv1alpha1.ApplicationStatistics{
		TotalDevices:    int32(c.total),
		DeployedDevices: int32(c.total - c.pending),
		RunningDevices:  int32(c.running),
		FailedDevices:   int32(c.failed),
		StoppedDevices:  int32(c.stopped),
	}
}

// Message renders a short human readable summary for Application.status.message.
func Message(statuses map[string]apiv1alpha1.DeviceApplicationStatus) string {
	c := count(statuses)
	if c.total == 0 {
		return "no target devices found"
	}
	return fmt.Sprintf("%d/%d running, %d failed, %d stopped", c.running, c.total, c.failed, c.stopped)
}

type counts struct {
	total    int
	running  int
	failed   int
	stopped  int
	pending  int
	inFlight int
}

func count(statuses map[string]apiv1alpha1.DeviceApplicationStatus) counts {
	var c counts
	c.total = len(statuses)
	for _, s := range statuses {
		switch s.Phase {
		case apiv1alpha1.DeviceApplicationPhaseRunning:
			c.running++
		case apiv1alpha1.DeviceApplicationPhaseFailed:
			c.failed++
		case apiv1alpha1.DeviceApplicationPhaseStopped:
			c.stopped++
		case apiv1alpha1.DeviceApplicationPhasePending:
			c.pending++
			c.inFlight++
		default:
			// Deploying is still in flight.
			c.inFlight++
		}
	}
	return c
}
