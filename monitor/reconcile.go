package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/akshat998/cs224b/batch"
	"github.com/akshat998/cs224b/config"
	"github.com/akshat998/cs224b/output"
	"github.com/akshat998/cs224b/partitions"
	"github.com/akshat998/cs224b/slurm"
)

const (
	combinedName = "combined_output.txt"
	residualName = "missing_smiles.smi"
)

// swapped out in tests for deterministic manifests
var nowFunc = time.Now

// FinishReport is the outcome of one finish_and_resubmit invocation.
type FinishReport struct {
	BatchID      string
	StillRunning bool
	Attempted    int
	Residual     int
	Complete     bool
	NewBatchID   string
}

// FinishAndResubmit runs the reconcile step. Preconditions: every
// sub-job of the batch has exited; the queue check enforces it, since
// reconciling while jobs are in flight would count their pending items
// as missing and duplicate work.
//
// The step merges the partition logs, computes the residual set (items
// with zero log lines; a sentinel or below-threshold line counts as
// attempted), rewrites the control file to point at the residual, and
// dispatches a fresh batch over it. An empty residual completes the run
// without touching the control file, so re-running the finish step on a
// completed run is a no-op.
func (m *Monitor) FinishAndResubmit(ctx context.Context, batchID string) (FinishReport, error) {
	report := FinishReport{BatchID: batchID}

	cfg, err := config.Read(m.opt.ControlFile)
	if err != nil {
		return report, err
	}
	maxJobs, err := cfg.Int(config.KeyMaxNumJobs)
	if err != nil {
		return report, errors.Wrap(err, "control file")
	}
	masterPath, err := cfg.Str(config.KeySmilesFile)
	if err != nil {
		return report, errors.Wrap(err, "control file")
	}

	active, err := m.slurm.ActiveIndices(ctx, batchID)
	if err != nil {
		return report, err
	}
	if len(active) > 0 {
		m.log.Warn("Batch {} still has {} live partitions; use check_progress instead", batchID, len(active))
		report.StillRunning = true
		return report, nil
	}

	// master input must be read before cleanup may touch anything
	items, err := partitions.ReadItems(masterPath)
	if err != nil {
		return report, err
	}

	combinedPath := filepath.Join(m.opt.DataDir, combinedName)
	if output.HasLogs(m.opt.WorkDir, maxJobs) {
		n, err := output.Combine(m.opt.WorkDir, maxJobs, combinedPath)
		if err != nil {
			return report, err
		}
		m.log.Info("Combined {} result records from partition logs", n)
	}

	var records []output.Record
	if _, err := os.Stat(combinedPath); err == nil {
		if records, err = output.ReadFile(combinedPath); err != nil {
			return report, err
		}
	}
	report.Attempted = len(records)

	residual := residualItems(items, records, m)
	report.Residual = len(residual)

	if len(residual) == 0 {
		if err := m.cleanup(ctx, maxJobs); err != nil {
			return report, err
		}
		m.log.Info("No residual molecules; run is complete")
		report.Complete = true
		return report, nil
	}

	residualPath := filepath.Join(m.opt.DataDir, residualName)
	if err := writeResidual(residualPath, residual); err != nil {
		return report, err
	}
	m.log.Info("{} of {} molecules were never attempted; residual written to {}",
		len(residual), len(items), residualPath)

	updated := cfg.WithResidual(len(residual), residualPath)
	if err := config.Write(m.opt.ControlFile, updated); err != nil {
		return report, err
	}

	// merge, residual and control file are durable; the transient inputs
	// and scratch artifacts of the finished batch can now go
	if err := m.cleanup(ctx, maxJobs); err != nil {
		return report, err
	}

	newBatchID, err := m.dispatch(ctx, updated, residual, maxJobs, residualPath)
	if err != nil {
		return report, err
	}
	report.NewBatchID = newBatchID
	return report, nil
}

// residualItems keeps the master items that never produced a log line.
// Identity is exact string match on the id. Duplicate ids in the master
// input make residual accounting ambiguous; they are collapsed with a
// warning rather than silently preserved.
func residualItems(items []partitions.Item, records []output.Record, m *Monitor) []partitions.Item {
	attempted := make(map[string]struct{}, len(records))
	for _, r := range records {
		attempted[r.ID] = struct{}{}
	}

	ids := lo.Map(items, func(it partitions.Item, _ int) string { return it.ID })
	if dup := len(ids) - len(lo.Uniq(ids)); dup > 0 {
		m.log.Warn("Master input contains {} duplicate ids; duplicates are collapsed for residual accounting", dup)
	}

	seen := make(map[string]struct{}, len(items))
	return lo.Filter(items, func(it partitions.Item, _ int) bool {
		if _, ok := attempted[it.ID]; ok {
			return false
		}
		if _, ok := seen[it.ID]; ok {
			return false
		}
		seen[it.ID] = struct{}{}
		return true
	})
}

func writeResidual(path string, items []partitions.Item) error {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.ID)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(it.Cost))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write residual input")
	}
	return nil
}

// dispatch re-partitions the residual set and submits it as a new array
// batch, recording the new batch id in the manifest.
func (m *Monitor) dispatch(ctx context.Context, cfg config.RunConfig, residual []partitions.Item, maxJobs int, residualPath string) (string, error) {
	partitioner, err := partitions.ForConfig(
		cfg.StrOr(config.KeyPartitioner, ""),
		cfg.BoolOr(config.KeyUseLoadBalancer, true))
	if err != nil {
		return "", errors.Wrap(err, "control file")
	}
	pp, err := partitioner.Plan(residual, maxJobs)
	if err != nil {
		return "", err
	}
	if err := partitions.WriteFiles(m.opt.DataDir, pp); err != nil {
		return "", err
	}

	script, err := slurm.ArrayScript(scriptOptions(cfg), maxJobs)
	if err != nil {
		return "", err
	}
	newBatchID, err := m.slurm.SubmitScript(ctx, script, filepath.Join(m.opt.WorkDir, "submit.sh"))
	if err != nil {
		return "", errors.Wrap(err, "submit residual batch")
	}
	m.log.Info("Residual batch submitted as {}", newBatchID)

	if err := batch.Save(batch.DefaultPath(m.opt.DataDir), batch.Manifest{
		BatchID:       newBatchID,
		NumPartitions: maxJobs,
		InputFile:     residualPath,
		SubmittedAt:   nowFunc(),
	}); err != nil {
		return "", err
	}
	return newBatchID, nil
}

// cleanup deletes the transient per-partition inputs and leftover
// pose/ligand artifacts. Deletions are independent and I/O-bound, so
// they fan out over a bounded pool; failures are aggregated rather than
// aborting on the first one.
func (m *Monitor) cleanup(ctx context.Context, maxJobs int) error {
	if err := partitions.RemoveFiles(m.opt.DataDir, maxJobs); err != nil {
		return err
	}

	stale, err := filepath.Glob(filepath.Join(m.opt.WorkDir, "*.pdbqt"))
	if err != nil {
		return errors.Wrap(err, "scan scratch artifacts")
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	limit := m.opt.CleanupConcurrency
	if limit <= 0 {
		// a zero-value Options must still make progress
		limit = 1
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, path := range stale {
		path := path
		g.Go(func() error {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(stale) > 0 {
		m.log.Info("Removed {} stale scratch artifacts", len(stale))
	}
	return errors.Wrap(merr.ErrorOrNil(), "cleanup")
}
