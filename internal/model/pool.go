package model

import "context"

// BackendHandle is a non-owning, opaque reference to a loaded model
// returned by a pool or instance. The scheduler never inspects it; it is
// only ever threaded back into backend.* calls made by a Worker.
type BackendHandle any

// ModelPool is the shared-backend variant of the pool/instance sealed
// capability set described in spec §9: one pool is loaded once per
// (Stage, Device) and its handle may be invoked concurrently by any number
// of workers. Tagging, FaceDetection and Embedding use this shape.
type ModelPool interface {
	// Initialize loads every model this stage binds to this device. It must
	// be safe to call exactly once; a second call is undefined.
	Initialize(ctx context.Context) error

	// IsReady reports whether Initialize has completed successfully and
	// Shutdown has not yet been called.
	IsReady() bool

	// VRAMFootprint is the constant, compile-time-known VRAM cost of this
	// pool, regardless of how many workers borrow it.
	VRAMFootprint() int64

	// Handle returns the non-owning backend handle workers invoke
	// concurrently.
	Handle() BackendHandle

	// Shutdown releases every loaded model. Idempotent: a second call is a
	// no-op. IsReady returns false after Shutdown completes.
	Shutdown(ctx context.Context) error
}

// ModelInstance is the exclusive-backend variant: one loaded model owned by
// exactly one worker for the instance's lifetime. Concurrent calls into the
// handle from more than one goroutine are undefined. Captioning uses this
// shape.
type ModelInstance interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	VRAMFootprint() int64
	Handle() BackendHandle
	Shutdown(ctx context.Context) error
}
