// Package monitor drives the crash-recovery control loop: it polls the
// scheduler for the live sub-jobs of a batch, resubmits partitions that
// disappeared mid-flight, and, once the whole batch has exited,
// reconciles the output logs against the master input and redispatches
// whatever was never attempted.
package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/airbloc/logger"
	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/akshat998/cs224b/config"
	"github.com/akshat998/cs224b/slurm"
)

// Options locate the run's on-disk state.
type Options struct {
	DataDir     string `default:"./DATA"`
	WorkDir     string `default:"."`
	ControlFile string `default:"all.ctrl"`
	// CleanupConcurrency bounds the parallel artifact deletion in the
	// finish phase.
	CleanupConcurrency int `default:"8"`
}

func DefaultOptions() (o Options) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}

// Monitor inspects and repairs a running batch.
type Monitor struct {
	slurm *slurm.Client
	opt   Options
	log   logger.Logger
}

func New(client *slurm.Client, opt Options) *Monitor {
	return &Monitor{
		slurm: client,
		opt:   opt,
		log:   logger.New("cs224b/monitor"),
	}
}

// Crashed computes the partitions missing from the live queue snapshot:
// the set difference [1, expected] \ active, sorted. Job state is never
// stored; it is always derived from this diff, so it cannot go stale.
//
// The result is only meaningful while the batch still has live entries.
// Once the queue is empty the batch has exited, which is not the same
// as crashed, and the finish step becomes authoritative.
func Crashed(expected int, active map[int]struct{}) []int {
	all := make([]int, expected)
	for i := range all {
		all[i] = i + 1
	}
	crashed := lo.Filter(all, func(idx int, _ int) bool {
		_, ok := active[idx]
		return !ok
	})
	sort.Ints(crashed)
	return crashed
}

// ProgressReport is the outcome of one check_progress invocation.
type ProgressReport struct {
	BatchID     string
	Done        bool
	Active      []int
	Resubmitted map[int]string
}

// CheckProgress queries the batch and resubmits every crashed partition
// individually. When the queue is empty it reports Done and takes no
// action; resubmission decisions then belong to FinishAndResubmit.
// A submission failure aborts the call and is surfaced to the operator;
// it is never retried here.
func (m *Monitor) CheckProgress(ctx context.Context, batchID string) (ProgressReport, error) {
	report := ProgressReport{BatchID: batchID, Resubmitted: make(map[int]string)}

	cfg, err := config.Read(m.opt.ControlFile)
	if err != nil {
		return report, err
	}
	maxJobs, err := cfg.Int(config.KeyMaxNumJobs)
	if err != nil {
		return report, errors.Wrap(err, "control file")
	}

	active, err := m.slurm.ActiveIndices(ctx, batchID)
	if err != nil {
		return report, err
	}
	if len(active) == 0 {
		m.log.Info("Batch {} has fully exited; run finish_and_resubmit", batchID)
		report.Done = true
		return report, nil
	}
	report.Active = lo.Keys(active)
	sort.Ints(report.Active)

	crashed := Crashed(maxJobs, active)
	if len(crashed) == 0 {
		m.log.Info("Batch {}: {} partitions alive, none crashed", batchID, len(active))
		return report, nil
	}
	m.log.Warn("Batch {}: partitions {} disappeared from the queue, resubmitting", batchID, crashed)

	scriptOpt := scriptOptions(cfg)
	for _, idx := range crashed {
		id, err := m.resubmitPartition(ctx, scriptOpt, batchID, idx)
		if err != nil {
			return report, errors.Wrapf(err, "resubmit partition %d", idx)
		}
		report.Resubmitted[idx] = id
	}
	return report, nil
}

// resubmitPartition regenerates the job description for one partition,
// submits it and removes the transient script file.
func (m *Monitor) resubmitPartition(ctx context.Context, opt slurm.ScriptOptions, batchID string, index int) (string, error) {
	script, err := slurm.WorkerScript(opt, index)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.opt.WorkDir, fmt.Sprintf("resubmit_%s_%d.sh", batchID, index))
	id, err := m.slurm.SubmitScript(ctx, script, path)
	if err != nil {
		return "", err
	}
	m.log.Info("Partition {} resubmitted as batch {}", index, id)
	return id, nil
}

func scriptOptions(cfg config.RunConfig) slurm.ScriptOptions {
	opt := slurm.DefaultScriptOptions()
	opt.Account = cfg.StrOr(config.KeySlurmAccount, opt.Account)
	return opt
}
