package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/akshat998/cs224b/batch"
	"github.com/akshat998/cs224b/config"
	"github.com/akshat998/cs224b/output"
	"github.com/akshat998/cs224b/partitions"
	"github.com/akshat998/cs224b/slurm"
)

func TestFinishAndResubmitResidual(t *testing.T) {
	submitted := time.Date(2024, 6, 3, 4, 43, 44, 0, time.UTC)
	nowFunc = func() time.Time { return submitted }
	defer func() { nowFunc = time.Now }()

	stub := &schedStub{queue: ""}
	mon, opt := newTestMonitor(t, stub)

	masterPath := filepath.Join(opt.DataDir, "docking.smi")
	writeFile(t, masterPath, "A", "B", "C")
	writeFile(t, opt.ControlFile,
		"NUM_MOLS=3",
		"SMILES_FILES="+masterPath,
		"MAX_NUM_JOBS=2",
		"USE_LOAD_BALANCER=True",
		"SLURM_ACCOUNT=def-aspuru",
	)
	// partition 1 attempted A, partition 2 attempted C (failed with the
	// sentinel); B was never attempted
	writeFile(t, output.File(opt.WorkDir, 1), "A, 5")
	writeFile(t, output.File(opt.WorkDir, 2), "C, 10000")
	writeFile(t, filepath.Join(opt.WorkDir, "lig_stale.pdbqt"), "junk")

	report, err := mon.FinishAndResubmit(context.Background(), "900")
	require.NoError(t, err)

	// assertions only below; the finish step must run exactly once here
	Convey("Finishing a batch with an unattempted molecule", t, func() {
		So(report.StillRunning, ShouldBeFalse)
		So(report.Complete, ShouldBeFalse)
		So(report.Attempted, ShouldEqual, 2)
		So(report.Residual, ShouldEqual, 1)
		So(report.NewBatchID, ShouldEqual, "5001")

		Convey("merges the partition logs and removes them", func() {
			records, err := output.ReadFile(filepath.Join(opt.DataDir, "combined_output.txt"))
			So(err, ShouldBeNil)
			So(records, ShouldResemble, []output.Record{
				{ID: "A", Score: 5},
				{ID: "C", Score: 10000},
			})
			_, err = os.Stat(output.File(opt.WorkDir, 1))
			So(os.IsNotExist(err), ShouldBeTrue)
			_, err = os.Stat(output.File(opt.WorkDir, 2))
			So(os.IsNotExist(err), ShouldBeTrue)
		})

		Convey("writes only the residual molecule to the new input", func() {
			raw, err := os.ReadFile(filepath.Join(opt.DataDir, "missing_smiles.smi"))
			So(err, ShouldBeNil)
			So(string(raw), ShouldEqual, "B 1\n")
		})

		Convey("points the control file at the residual input", func() {
			cfg, err := config.Read(opt.ControlFile)
			So(err, ShouldBeNil)
			numMols, _ := cfg.Int(config.KeyNumMols)
			So(numMols, ShouldEqual, 1)
			smiles, _ := cfg.Str(config.KeySmilesFile)
			So(smiles, ShouldEqual, filepath.Join(opt.DataDir, "missing_smiles.smi"))
			// untouched keys survive the rewrite verbatim
			account, _ := cfg.Str(config.KeySlurmAccount)
			So(account, ShouldEqual, "def-aspuru")
		})

		Convey("repartitions the residual and dispatches a fresh array batch", func() {
			items, err := partitions.ReadItems(partitions.File(opt.DataDir, 1))
			So(err, ShouldBeNil)
			So(items, ShouldResemble, []partitions.Item{{ID: "B", Cost: 1}})

			script, ok := stub.scripts["submit.sh"]
			So(ok, ShouldBeTrue)
			So(script, ShouldContainSubstring, "#SBATCH --array=1-2")
			So(script, ShouldContainSubstring, "cs224b-worker $SLURM_ARRAY_TASK_ID")
		})

		Convey("records the new batch in the manifest", func() {
			m, err := batch.Load(batch.DefaultPath(opt.DataDir))
			So(err, ShouldBeNil)
			So(m.BatchID, ShouldEqual, "5001")
			So(m.NumPartitions, ShouldEqual, 2)
			So(m.InputFile, ShouldEqual, filepath.Join(opt.DataDir, "missing_smiles.smi"))
			So(m.SubmittedAt, ShouldResemble, submitted)
		})

		Convey("removes stale docking artifacts", func() {
			_, err := os.Stat(filepath.Join(opt.WorkDir, "lig_stale.pdbqt"))
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func TestFinishRefusesWhileBatchIsLive(t *testing.T) {
	stub := &schedStub{queue: "900_1\n900_2\n"}
	mon, opt := newTestMonitor(t, stub)

	masterPath := filepath.Join(opt.DataDir, "docking.smi")
	writeFile(t, masterPath, "A")
	writeFile(t, opt.ControlFile,
		"NUM_MOLS=1",
		"SMILES_FILES="+masterPath,
		"MAX_NUM_JOBS=2",
	)
	writeFile(t, output.File(opt.WorkDir, 1), "A, 5")

	report, err := mon.FinishAndResubmit(context.Background(), "900")
	require.NoError(t, err)
	require.True(t, report.StillRunning)
	require.Zero(t, stub.submissions())

	// in-flight partition logs must stay untouched
	records, err := output.ReadFile(output.File(opt.WorkDir, 1))
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFinishWithZeroValueOptionsStillCleansUp(t *testing.T) {
	stub := &schedStub{queue: ""}
	dir := t.TempDir()
	opt := Options{
		DataDir:     dir,
		WorkDir:     dir,
		ControlFile: filepath.Join(dir, "all.ctrl"),
		// CleanupConcurrency deliberately left zero
	}
	mon := New(slurm.NewWithRunner(stub.run), opt)

	masterPath := filepath.Join(dir, "docking.smi")
	writeFile(t, masterPath, "A")
	writeFile(t, opt.ControlFile,
		"NUM_MOLS=1",
		"SMILES_FILES="+masterPath,
		"MAX_NUM_JOBS=1",
	)
	writeFile(t, output.File(dir, 1), "A, -4")
	writeFile(t, filepath.Join(dir, "lig_stale.pdbqt"), "junk")

	report, err := mon.FinishAndResubmit(context.Background(), "900")
	require.NoError(t, err)
	require.True(t, report.Complete)

	_, err = os.Stat(filepath.Join(dir, "lig_stale.pdbqt"))
	require.True(t, os.IsNotExist(err))
}

func TestFinishCompleteIsIdempotent(t *testing.T) {
	stub := &schedStub{queue: ""}
	mon, opt := newTestMonitor(t, stub)

	masterPath := filepath.Join(opt.DataDir, "docking.smi")
	writeFile(t, masterPath, "A", "B")
	writeFile(t, opt.ControlFile,
		"NUM_MOLS=2",
		"SMILES_FILES="+masterPath,
		"MAX_NUM_JOBS=2",
	)
	writeFile(t, output.File(opt.WorkDir, 1), "A, -5", "B, 3")

	Convey("Finishing a fully attempted batch", t, func() {
		report, err := mon.FinishAndResubmit(context.Background(), "900")
		So(err, ShouldBeNil)
		So(report.Complete, ShouldBeTrue)
		So(report.Residual, ShouldEqual, 0)
		So(report.NewBatchID, ShouldBeEmpty)
		So(stub.submissions(), ShouldEqual, 0)

		ctrlAfterFirst, err := os.ReadFile(opt.ControlFile)
		So(err, ShouldBeNil)

		Convey("finishing again is a no-op", func() {
			again, err := mon.FinishAndResubmit(context.Background(), "900")
			So(err, ShouldBeNil)
			So(again.Complete, ShouldBeTrue)
			So(again.Residual, ShouldEqual, 0)
			So(again.Attempted, ShouldEqual, 2)
			So(stub.submissions(), ShouldEqual, 0)

			// the merged log still holds every attempted record
			records, err := output.ReadFile(filepath.Join(opt.DataDir, "combined_output.txt"))
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 2)

			// the control file is not rewritten on the second pass
			ctrlAfterSecond, err := os.ReadFile(opt.ControlFile)
			So(err, ShouldBeNil)
			So(string(ctrlAfterSecond), ShouldEqual, string(ctrlAfterFirst))
		})
	})
}
