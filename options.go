package cs224b

import (
	"github.com/creasty/defaults"
)

// Options locate the run's on-disk state and size the local worker
// pool. Paths are relative to the scheduler job's working directory
// unless absolute.
type Options struct {
	WorkDir     string `default:"."`
	DataDir     string `default:"./DATA"`
	ControlFile string `default:"all.ctrl"`
	ResultsDir  string `default:"OUTPUTS"`

	// Concurrency bounds the per-partition docking pool. Zero means one
	// slot per CPU; the NUM_CPUS control key overrides both.
	Concurrency int
}

func DefaultOptions() (o Options) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}
