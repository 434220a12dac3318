package ocr

import (
	"context"
	"runtime"

	"github.com/ocr-go/ocr/internal/logging"
)

// RuntimeConfig collects the knobs a single-process OCR deployment
// needs, generalized from the teacher's DeviceParams/Options split:
// sizing knobs live here, while runtime-only collaborators (context,
// logger, observer) live in Options.
type RuntimeConfig struct {
	// NumPDs is the number of policy domains in the run-level barrier
	// tree. A single-process run uses one; NewRuntime always builds a
	// single-PD tree and does not read this field.
	NumPDs int

	// WorkersPerPD is the size of each PD's worker pool.
	WorkersPerPD int

	// StrandFanout records the per-node child count of the strand table
	// tree (spec.md §3 "fan-out 64"). NewRuntime does not read it: the
	// table's fan-out is fixed at strand.DefaultFanout.
	StrandFanout int

	// WaiterStaticCount is the inline waiter-array size before an
	// event's waiter list spills to a dynamic chunk (spec.md's
	// HCEVT_WAITER_STATIC_COUNT). Recorded for API-compatibility with
	// the source and not read: internal/event keeps a fixed inline
	// array of four waiters and then spills into a growable slice.
	WaiterStaticCount int

	// WaiterSpillChunkSize is the growth chunk once a waiter list spills.
	WaiterSpillChunkSize int

	// PDProcessMaxCount bounds how many strands the background
	// strand-processing loop drains per tick (spec.md's
	// PDPROCESS_MAX_COUNT), keeping one pass bounded the way a worker's
	// GetWork loop is bounded to one EDT at a time.
	PDProcessMaxCount int

	// EmptyTablesDrain names the source's EMPTYTABLES drain flag.
	// NewRuntime does not read it: the final shutdown pass always runs
	// ProcessStrands until the table is empty, whatever this holds.
	EmptyTablesDrain bool

	// CPUAffinity optionally pins each PD's workers to specific CPUs,
	// round-robin, mirroring the teacher's per-queue CPU pinning. Nil
	// leaves workers unpinned.
	CPUAffinity []int
}

// DefaultRuntimeConfig returns sensible defaults for a single-process,
// single-PD run.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		NumPDs:               1,
		WorkersPerPD:         runtime.NumCPU(),
		StrandFanout:         64,
		WaiterStaticCount:    4,
		WaiterSpillChunkSize: 8,
		PDProcessMaxCount:    64,
		EmptyTablesDrain:     false,
	}
}

// Options carries the runtime collaborators that are not part of
// RuntimeConfig's sizing: the parent context, a logger, and a metrics
// Observer. Generalized from the teacher's backend.Options.
type Options struct {
	// Context is the parent context for the runtime's background
	// loops (worker pool, strand pump). A nil Context defaults to
	// context.Background().
	Context context.Context

	// Logger receives lifecycle and error messages. A nil Logger
	// defaults to logging.Default().
	Logger *logging.Logger

	// Observer receives metrics callbacks in addition to the
	// runtime's own Metrics accumulator. A nil Observer defaults to
	// NoOpObserver{}.
	Observer Observer
}

func (o *Options) context() context.Context {
	if o == nil || o.Context == nil {
		return context.Background()
	}
	return o.Context
}

func (o *Options) logger() *logging.Logger {
	if o == nil || o.Logger == nil {
		return logging.Default()
	}
	return o.Logger
}

func (o *Options) observer() Observer {
	if o == nil || o.Observer == nil {
		return NoOpObserver{}
	}
	return o.Observer
}
