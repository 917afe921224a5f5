// Command cs224b is the operator entry point: it partitions and
// dispatches a docking run and drives the monitor loop.
//
//	cs224b partition
//	cs224b monitor check_progress [batch_id]
//	cs224b monitor finish_and_resubmit [batch_id]
//
// When no batch id is given the monitor commands use the one recorded
// in the manifest of the last dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/airbloc/logger"

	"github.com/akshat998/cs224b"
	"github.com/akshat998/cs224b/internal/util"
)

var log = logger.New("cs224b")

func main() {
	opt := cs224b.DefaultOptions()
	flag.StringVar(&opt.ControlFile, "ctrl", opt.ControlFile, "path to the run control file")
	flag.StringVar(&opt.DataDir, "data", opt.DataDir, "directory holding partition inputs and the manifest")
	flag.StringVar(&opt.WorkDir, "work", opt.WorkDir, "scratch directory for logs and job scripts")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := util.ContextWithSignal(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "partition":
		runPartition(ctx, opt)
	case "monitor":
		runMonitor(ctx, opt, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func runPartition(ctx context.Context, opt cs224b.Options) {
	m, err := cs224b.PartitionAndDispatch(ctx, opt)
	if err != nil {
		log.Error("Dispatch failed: {}", err)
		os.Exit(1)
	}
	fmt.Println(m.BatchID)
}

func runMonitor(ctx context.Context, opt cs224b.Options, args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	var batchID string
	if len(args) > 1 {
		batchID = args[1]
	}

	switch args[0] {
	case "check_progress":
		report, err := cs224b.CheckProgress(ctx, batchID, opt)
		if err != nil {
			log.Error("Progress check failed: {}", err)
			os.Exit(1)
		}
		if report.Done {
			fmt.Printf("batch %s has exited; run finish_and_resubmit\n", report.BatchID)
			return
		}
		fmt.Printf("batch %s: %d partitions alive, %d resubmitted\n",
			report.BatchID, len(report.Active), len(report.Resubmitted))

	case "finish_and_resubmit":
		report, err := cs224b.FinishAndResubmit(ctx, batchID, opt)
		if err != nil {
			log.Error("Finish failed: {}", err)
			os.Exit(1)
		}
		switch {
		case report.StillRunning:
			fmt.Printf("batch %s is still running; refusing to reconcile\n", report.BatchID)
			os.Exit(1)
		case report.Complete:
			fmt.Printf("run complete: %d molecules attempted, none residual\n", report.Attempted)
		default:
			fmt.Printf("%d residual molecules redispatched as batch %s\n", report.Residual, report.NewBatchID)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown monitor command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cs224b [flags] <command>

commands:
  partition                                 split the master input and dispatch the array batch
  monitor check_progress [batch_id]         resubmit partitions that crashed mid-flight
  monitor finish_and_resubmit [batch_id]    merge logs, redispatch never-attempted molecules

flags:
`)
	flag.PrintDefaults()
}
