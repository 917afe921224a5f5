package worker

import (
	"runtime"

	"github.com/creasty/defaults"
)

// Options are process-level tunables for one worker-driver run.
type Options struct {
	// DataDir holds partition inputs and shared data (receptor, master input).
	DataDir string `default:"./DATA"`
	// WorkDir receives output logs and transient pose/ligand artifacts.
	WorkDir string `default:"."`
	// ResultsDir receives artifacts of molecules passing the score threshold.
	ResultsDir string `default:"OUTPUTS"`
	// Concurrency caps the local worker pool; 0 means all available CPUs.
	Concurrency int
}

func DefaultOptions() (o Options) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}

func (o Options) poolSize() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return runtime.NumCPU()
}
