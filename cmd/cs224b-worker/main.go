// Command cs224b-worker runs the docking driver for one partition. It
// is invoked inside a scheduler job, either as an array member
// (cs224b-worker $SLURM_ARRAY_TASK_ID) or directly when a single
// partition is resubmitted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/airbloc/logger"

	"github.com/akshat998/cs224b"
	"github.com/akshat998/cs224b/internal/util"
)

var log = logger.New("cs224b/worker")

func main() {
	opt := cs224b.DefaultOptions()
	flag.StringVar(&opt.ControlFile, "ctrl", opt.ControlFile, "path to the run control file")
	flag.StringVar(&opt.DataDir, "data", opt.DataDir, "directory holding the partition inputs")
	flag.StringVar(&opt.WorkDir, "work", opt.WorkDir, "scratch directory for logs and docking artifacts")
	flag.IntVar(&opt.Concurrency, "j", opt.Concurrency, "docking pool size (0: one per CPU)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cs224b-worker [flags] <partition_index>")
		os.Exit(2)
	}
	index, err := strconv.Atoi(flag.Arg(0))
	if err != nil || index <= 0 {
		fmt.Fprintf(os.Stderr, "invalid partition index %q\n", flag.Arg(0))
		os.Exit(2)
	}

	// SIGTERM is what the scheduler sends on preemption; unprocessed
	// molecules stay off the output log and get picked up as residual
	ctx, cancel := util.ContextWithSignal(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cs224b.RunWorker(ctx, index, opt); err != nil {
		log.Error("Partition {} failed: {}", index, err)
		os.Exit(1)
	}
}
