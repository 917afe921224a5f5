// Package cs224b orchestrates large-scale molecular docking on a SLURM
// cluster. A run is driven by a control file (all.ctrl): the master
// SMILES list is split into load-balanced partitions, dispatched as one
// scheduler array batch, repaired by a monitor loop while jobs crash,
// and finally reconciled so that every molecule is attempted at least
// once.
package cs224b

import (
	"context"
	"path/filepath"
	"time"

	"github.com/airbloc/logger"
	"github.com/pkg/errors"

	"github.com/akshat998/cs224b/batch"
	"github.com/akshat998/cs224b/config"
	"github.com/akshat998/cs224b/monitor"
	"github.com/akshat998/cs224b/partitions"
	"github.com/akshat998/cs224b/slurm"
	"github.com/akshat998/cs224b/worker"
)

var log = logger.New("cs224b")

// PartitionAndDispatch reads the control file and the master input,
// plans the partitions, writes them under the data directory and
// submits the whole run as one scheduler array batch. The returned
// manifest records the scheduler-assigned batch id.
func PartitionAndDispatch(ctx context.Context, opt Options) (batch.Manifest, error) {
	cfg, err := config.Read(opt.ControlFile)
	if err != nil {
		return batch.Manifest{}, err
	}
	maxJobs, err := cfg.Int(config.KeyMaxNumJobs)
	if err != nil {
		return batch.Manifest{}, errors.Wrap(err, "control file")
	}
	inputPath, err := cfg.Str(config.KeySmilesFile)
	if err != nil {
		return batch.Manifest{}, errors.Wrap(err, "control file")
	}

	items, err := partitions.ReadItems(inputPath)
	if err != nil {
		return batch.Manifest{}, err
	}
	if want := cfg.IntOr(config.KeyNumMols, len(items)); want != len(items) {
		log.Warn("Control file declares {} molecules but {} holds {}", want, inputPath, len(items))
	}

	partitioner, err := partitions.ForConfig(
		cfg.StrOr(config.KeyPartitioner, ""),
		cfg.BoolOr(config.KeyUseLoadBalancer, true))
	if err != nil {
		return batch.Manifest{}, errors.Wrap(err, "control file")
	}
	pp, err := partitioner.Plan(items, maxJobs)
	if err != nil {
		return batch.Manifest{}, err
	}
	if err := partitions.WriteFiles(opt.DataDir, pp); err != nil {
		return batch.Manifest{}, err
	}

	script, err := slurm.ArrayScript(scriptOptions(cfg), maxJobs)
	if err != nil {
		return batch.Manifest{}, err
	}
	batchID, err := slurm.New().SubmitScript(ctx, script, filepath.Join(opt.WorkDir, "submit.sh"))
	if err != nil {
		return batch.Manifest{}, errors.Wrap(err, "dispatch batch")
	}

	m := batch.Manifest{
		BatchID:       batchID,
		NumPartitions: maxJobs,
		InputFile:     inputPath,
		SubmittedAt:   time.Now(),
	}
	if err := batch.Save(batch.DefaultPath(opt.DataDir), m); err != nil {
		return batch.Manifest{}, err
	}
	log.Info("Dispatched {} molecules over {} partitions as batch {}", len(items), maxJobs, batchID)
	return m, nil
}

// RunWorker processes one partition inside a scheduler job.
func RunWorker(ctx context.Context, partitionIndex int, opt Options) error {
	cfg, err := config.Read(opt.ControlFile)
	if err != nil {
		return err
	}
	driver, err := worker.NewDriver(cfg, worker.Options{
		DataDir:     opt.DataDir,
		WorkDir:     opt.WorkDir,
		ResultsDir:  opt.ResultsDir,
		Concurrency: cfg.IntOr(config.KeyNumCPUs, opt.Concurrency),
	})
	if err != nil {
		return err
	}
	return driver.Run(ctx, partitionIndex)
}

// CheckProgress polls the batch and resubmits crashed partitions. An
// empty batchID falls back to the manifest of the last dispatch.
func CheckProgress(ctx context.Context, batchID string, opt Options) (monitor.ProgressReport, error) {
	batchID, err := resolveBatchID(batchID, opt)
	if err != nil {
		return monitor.ProgressReport{}, err
	}
	return newMonitor(opt).CheckProgress(ctx, batchID)
}

// FinishAndResubmit reconciles an exited batch: merges the partition
// logs, detects never-attempted molecules and redispatches them as a
// fresh batch. An empty batchID falls back to the manifest.
func FinishAndResubmit(ctx context.Context, batchID string, opt Options) (monitor.FinishReport, error) {
	batchID, err := resolveBatchID(batchID, opt)
	if err != nil {
		return monitor.FinishReport{}, err
	}
	return newMonitor(opt).FinishAndResubmit(ctx, batchID)
}

func newMonitor(opt Options) *monitor.Monitor {
	mopt := monitor.DefaultOptions()
	mopt.DataDir = opt.DataDir
	mopt.WorkDir = opt.WorkDir
	mopt.ControlFile = opt.ControlFile
	return monitor.New(slurm.New(), mopt)
}

func resolveBatchID(batchID string, opt Options) (string, error) {
	if batchID != "" {
		return batchID, nil
	}
	m, err := batch.Load(batch.DefaultPath(opt.DataDir))
	if err != nil {
		return "", errors.Wrap(err, "no batch id given and no manifest found")
	}
	log.Info("Using batch {} from the manifest (submitted {})", m.BatchID, m.SubmittedAt.Format(time.RFC3339))
	return m.BatchID, nil
}

func scriptOptions(cfg config.RunConfig) slurm.ScriptOptions {
	opt := slurm.DefaultScriptOptions()
	opt.Account = cfg.StrOr(config.KeySlurmAccount, opt.Account)
	return opt
}
