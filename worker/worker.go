// Package worker runs the per-partition docking driver inside a
// scheduler job. Items of one partition are processed by a local pool;
// partitions never share files, so workers are fully independent of
// each other.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/airbloc/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/akshat998/cs224b/config"
	"github.com/akshat998/cs224b/dock"
	"github.com/akshat998/cs224b/internal/util"
	"github.com/akshat998/cs224b/output"
	"github.com/akshat998/cs224b/partitions"
)

// Driver processes one partition file item by item, appending a result
// record for every attempted molecule.
type Driver struct {
	pipeline  *dock.Pipeline
	threshold float64
	opt       Options
	log       logger.Logger
}

// NewDriver builds a driver from the run control file. Missing geometry
// or threshold keys are a data-integrity failure: the run aborts before
// any molecule is attempted.
func NewDriver(cfg config.RunConfig, opt Options) (*Driver, error) {
	params, threshold, err := dockParams(cfg)
	if err != nil {
		return nil, err
	}
	return NewDriverWithPipeline(dock.New(params), threshold, opt), nil
}

// NewDriverWithPipeline wires an explicit docking pipeline; tests use it
// to stub the chemistry toolchain.
func NewDriverWithPipeline(pipeline *dock.Pipeline, threshold float64, opt Options) *Driver {
	return &Driver{
		pipeline:  pipeline,
		threshold: threshold,
		opt:       opt,
		log:       logger.New("cs224b/worker"),
	}
}

func dockParams(cfg config.RunConfig) (dock.Params, float64, error) {
	threshold, err := cfg.Float(config.KeyScoreThreshold)
	if err != nil {
		return dock.Params{}, 0, errors.Wrap(err, "control file")
	}

	params := dock.Params{
		Receptor:       cfg.StrOr(config.KeyReceptorLocation, "./DATA/docking_receptor.pdbqt"),
		Exhaustiveness: cfg.StrOr(config.KeyExhaustiveness, "1"),
		Timeout:        time.Duration(cfg.IntOr(config.KeyTimeoutSeconds, 120)) * time.Second,
	}
	var missing error
	for key, dst := range map[string]*string{
		"CENTER_X": &params.CenterX,
		"CENTER_Y": &params.CenterY,
		"CENTER_Z": &params.CenterZ,
		"SIZE_X":   &params.SizeX,
		"SIZE_Y":   &params.SizeY,
		"SIZE_Z":   &params.SizeZ,
	} {
		v, err := cfg.Str(key)
		if err != nil {
			missing = multierror.Append(missing, err)
			continue
		}
		*dst = v
	}
	if missing != nil {
		return dock.Params{}, 0, errors.Wrap(missing, "receptor geometry")
	}
	return params, threshold, nil
}

// Run processes the partition with the given index. Item-level failures
// are contained: they are logged with the sentinel score and processing
// continues. Run itself only fails on environment errors (unreadable
// partition file, unwritable output log).
func (d *Driver) Run(ctx context.Context, partitionIndex int) error {
	items, err := partitions.ReadItems(partitions.File(d.opt.DataDir, partitionIndex))
	if err != nil {
		return err
	}
	w, err := output.NewWriter(output.File(d.opt.WorkDir, partitionIndex))
	if err != nil {
		return err
	}
	defer w.Close()

	m := newMetrics(partitionIndex)
	d.log.Info("Partition {}: {} molecules, pool size {}", partitionIndex, len(items), d.opt.poolSize())
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opt.poolSize())
	for _, it := range items {
		it := it
		g.Go(func() error {
			d.process(gctx, it, w, m)
			return nil
		})
	}
	_ = g.Wait()

	if err := m.writeTextfile(d.opt.WorkDir, partitionIndex); err != nil {
		d.log.Warn("Could not write metrics snapshot: {}", err)
	}
	d.log.Info("Partition {} done in {}: {} accepted, {} rejected, {} failed",
		partitionIndex, time.Since(start),
		m.outcomes[Accepted].Load(), m.outcomes[Rejected].Load(), m.outcomes[Failed].Load())
	return nil
}

func (d *Driver) process(ctx context.Context, it partitions.Item, w *output.Writer, m *metrics) {
	if ctx.Err() != nil {
		// never attempted; the finish step will pick it up as residual
		return
	}
	ligand := filepath.Join(d.opt.WorkDir, util.UniqueFileName("lig", "pdbqt"))
	pose := filepath.Join(d.opt.WorkDir, util.UniqueFileName("pose", "pdbqt"))

	res := func() (r Result) {
		defer func() {
			if p := recover(); p != nil {
				d.log.Error("Panic while processing {}: {}", it.ID, p)
				r = failed()
			}
		}()
		return d.compute(ctx, it.ID, ligand, pose)
	}()

	if res.Outcome == Failed && ctx.Err() != nil {
		// preempted mid-flight, not a failure of the molecule itself: no
		// log line, so the finish step re-attempts it as residual
		removeQuiet(ligand, pose)
		return
	}

	if res.Outcome == Accepted {
		d.keepArtifacts(ligand, pose)
	} else {
		removeQuiet(ligand, pose)
	}
	if err := w.Append(output.Record{ID: it.ID, Score: res.Score}); err != nil {
		d.log.Error("Failed to record result of {}: {}", it.ID, err)
	}
	m.observe(res)
}

func (d *Driver) compute(ctx context.Context, smiles, ligand, pose string) Result {
	if err := d.pipeline.GenerateStructure(ctx, smiles, ligand); err != nil {
		d.log.Verbose("Structure generation failed for {}: {}", smiles, err)
		return failed()
	}
	if energy := d.pipeline.CheckEnergy(ctx, ligand); energy >= dock.SentinelScore {
		d.log.Verbose("Unstable structure for {}, skipping docking", smiles)
		return failed()
	}
	score, err := d.pipeline.Dock(ctx, ligand, pose)
	if err != nil {
		d.log.Verbose("Docking failed for {}: {}", smiles, err)
		return failed()
	}
	if score > d.threshold {
		return Result{Outcome: Rejected, Score: score}
	}
	return Result{Outcome: Accepted, Score: score}
}

// keepArtifacts moves the ligand and pose of an accepted molecule into
// the persistent results directory. Everything else is scratch space.
func (d *Driver) keepArtifacts(paths ...string) {
	dir := d.opt.ResultsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(d.opt.WorkDir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("Cannot create results dir {}: {}", dir, err)
		return
	}
	for _, p := range paths {
		if err := os.Rename(p, filepath.Join(dir, filepath.Base(p))); err != nil && !os.IsNotExist(err) {
			d.log.Warn("Cannot keep artifact {}: {}", p, err)
		}
	}
}

func removeQuiet(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
