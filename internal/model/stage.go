// Package model contains the data types shared across the scheduler:
// stages, devices, allocations, jobs, results and the pool/instance
// abstractions that distinguish shared from exclusive inference backends.
package model

import "fmt"

// Stage identifies one of the four inference pipelines the orchestrator
// can admit work for.
type Stage int

const (
	Tagging Stage = iota
	FaceDetection
	Embedding
	Captioning
)

// stages is the canonical enumeration order, used to break priority ties.
var stages = [...]Stage{Tagging, FaceDetection, Embedding, Captioning}

// Stages returns every known stage in enumeration order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages[:])
	return out
}

func (s Stage) String() string {
	switch s {
	case Tagging:
		return "tagging"
	case FaceDetection:
		return "face_detection"
	case Embedding:
		return "embedding"
	case Captioning:
		return "captioning"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Priority returns the admission ordinal for this stage; lower values are
// admitted first. Tagging and FaceDetection share priority 1 and are
// ordered against each other by enumeration order only.
func (s Stage) Priority() int {
	switch s {
	case Tagging, FaceDetection:
		return 1
	case Embedding:
		return 2
	case Captioning:
		return 3
	default:
		return 99
	}
}

// Sharing describes whether a stage's backend may be invoked concurrently
// by many workers (Shared) or must be owned exclusively by one worker at a
// time (Exclusive). This is static, compile-time metadata per spec §9 - it
// is never discovered at runtime.
type Sharing int

const (
	Shared Sharing = iota
	Exclusive
)

// SharingMode returns whether the stage's backend is a shared pool or an
// exclusive-instance backend. Only Captioning is exclusive.
func (s Stage) SharingMode() Sharing {
	if s == Captioning {
		return Exclusive
	}
	return Shared
}

// DefaultBatchSize returns the cursor paginator's default page size for
// this stage, per spec §4.3: smaller batches for the slower per-job
// backends smooth backpressure.
func (s Stage) DefaultBatchSize() int {
	switch s {
	case Tagging, Embedding:
		return 1000
	case Captioning, FaceDetection:
		return 500
	default:
		return 500
	}
}

// Mode describes whether the global orchestrator is running a single
// stage (Solo) or several concurrently (Concurrent). Mode is informational
// to the per-stage orchestrators; it only changes which allocation string
// the admission algorithm consults in configuration.
type Mode int

const (
	Solo Mode = iota
	Concurrent
)

func (m Mode) String() string {
	if m == Solo {
		return "solo"
	}
	return "concurrent"
}
