// Package stage implements the Per-Stage Orchestrator state machine of
// spec §4.9 and the Worker loop of spec §4.7, grounded on the teacher's
// transcodeService (internal/transcode/service.go): its
// Start/Pause/Resume/Cancel surface and its consumedThreads-gated worker
// spawn loop, generalized from a single ffmpeg task type to any of the
// four stage backends via the Config/UnitLoader indirection.
package stage

import "fmt"

// State is one node of spec §4.9's state machine:
// Idle -> Starting -> Running <-> Paused -> Stopping -> Stopped.
type State int

const (
	Idle State = iota
	Starting
	Running
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
