// Package fake provides deterministic stand-ins for the backend
// interfaces, so the scheduler's concurrency and admission logic can be
// exercised in tests without real model weights - grounded on the
// teacher's mockSearcher/mockScraper pattern in internal/ingest, but
// promoted to reusable fakes shared across this repository's test suites
// rather than redeclared per test file.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riftlab/gpuforge/internal/model"
)

// Handle is the fake backend handle; it carries nothing but lets callers
// assert a non-nil handle was threaded through correctly.
type Handle struct{ Label string }

// Tagger returns two fixed tags per image, deterministic on the image path.
type Tagger struct {
	Delay   time.Duration
	FailOn  map[string]bool
	calls   int64
}

func (t *Tagger) Classify(ctx context.Context, _ model.BackendHandle, imagePath string) ([]model.TagResult, error) {
	atomic.AddInt64(&t.calls, 1)
	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.FailOn[imagePath] {
		return nil, fmt.Errorf("fake tagger: refusing %s", imagePath)
	}
	return []model.TagResult{
		{Tag: "fake:" + imagePath, Confidence: 0.9},
		{Tag: "generic", Confidence: 0.5},
	}, nil
}

func (t *Tagger) Calls() int64 { return atomic.LoadInt64(&t.calls) }

// Captioner returns a caption derived from the prompt hint.
type Captioner struct {
	Delay  time.Duration
	FailOn map[string]bool
}

func (c *Captioner) Caption(ctx context.Context, _ model.BackendHandle, imagePath, promptHint string) (model.CaptionResult, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return model.CaptionResult{}, ctx.Err()
		}
	}
	if c.FailOn[imagePath] {
		return model.CaptionResult{}, fmt.Errorf("fake captioner: refusing %s", imagePath)
	}
	return model.CaptionResult{
		Text:       "a photo described by: " + promptHint,
		Source:     "fake-captioner",
		PromptUsed: promptHint,
		Tokens:     len(strings.Fields(promptHint)),
	}, nil
}

// FaceDetector returns zero or one face depending on whether the path
// contains "face".
type FaceDetector struct{}

func (FaceDetector) Detect(_ context.Context, _ model.BackendHandle, imagePath string) ([]model.FaceResult, error) {
	if !strings.Contains(imagePath, "face") {
		return []model.FaceResult{}, nil
	}
	return []model.FaceResult{{BoundingBox: [4]float64{0.1, 0.1, 0.3, 0.3}, Confidence: 0.99}}, nil
}

// TextEncoder returns a fixed-length vector derived from the text length,
// so identical inputs are deterministic across calls.
type TextEncoder struct {
	Dim    int
	FailOn map[string]bool
	mu     sync.Mutex
}

func (e *TextEncoder) Encode(ctx context.Context, _ model.BackendHandle, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailOn[text] {
		return nil, fmt.Errorf("fake text encoder: refusing %q", text)
	}
	dim := e.Dim
	if dim == 0 {
		dim = 8
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(len(text)+i) / float32(dim)
	}
	return v, nil
}

// VisionEncoder mirrors TextEncoder but keys off the image path.
type VisionEncoder struct {
	Dim    int
	FailOn map[string]bool
}

func (e *VisionEncoder) Encode(_ context.Context, _ model.BackendHandle, imagePath string) ([]float32, error) {
	if e.FailOn[imagePath] {
		return nil, fmt.Errorf("fake vision encoder: refusing %q", imagePath)
	}
	dim := e.Dim
	if dim == 0 {
		dim = 8
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(len(imagePath)+i) / float32(dim)
	}
	return v, nil
}
