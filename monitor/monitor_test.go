package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/akshat998/cs224b/slurm"
)

// schedStub fakes sbatch and squeue. Submitted scripts are captured by
// content before the client deletes the transient file.
type schedStub struct {
	mu      sync.Mutex
	queue   string
	scripts map[string]string
	next    int
}

func (s *schedStub) run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "squeue":
		return []byte(s.queue), nil
	case "sbatch":
		path := args[len(args)-1]
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if s.scripts == nil {
			s.scripts = make(map[string]string)
		}
		s.scripts[filepath.Base(path)] = string(raw)
		s.next++
		return []byte("Submitted batch job " + strconv.Itoa(5000+s.next) + "\n"), nil
	}
	return nil, errors.Errorf("unexpected scheduler binary %s", name)
}

func (s *schedStub) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scripts)
}

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func newTestMonitor(t *testing.T, stub *schedStub) (*Monitor, Options) {
	t.Helper()
	dir := t.TempDir()
	opt := DefaultOptions()
	opt.DataDir = dir
	opt.WorkDir = dir
	opt.ControlFile = filepath.Join(dir, "all.ctrl")
	return New(slurm.NewWithRunner(stub.run), opt), opt
}

func TestCrashed(t *testing.T) {
	Convey("Given a live-queue snapshot of an array batch", t, func() {
		Convey("partitions absent from the queue are crashed", func() {
			active := map[int]struct{}{1: {}, 3: {}}
			So(Crashed(3, active), ShouldResemble, []int{2})
		})
		Convey("a fully live batch has no crashes", func() {
			active := map[int]struct{}{1: {}, 2: {}}
			So(Crashed(2, active), ShouldBeEmpty)
		})
		Convey("an empty snapshot marks every partition missing", func() {
			So(Crashed(2, nil), ShouldResemble, []int{1, 2})
		})
	})
}

func TestCheckProgressResubmitsCrashedPartitions(t *testing.T) {
	stub := &schedStub{queue: "900_1\n900_3\n"}
	mon, opt := newTestMonitor(t, stub)
	writeFile(t, opt.ControlFile,
		"MAX_NUM_JOBS=3",
		"SLURM_ACCOUNT=def-aspuru",
	)

	report, err := mon.CheckProgress(context.Background(), "900")
	require.NoError(t, err)

	require.False(t, report.Done)
	require.Equal(t, []int{1, 3}, report.Active)
	require.Equal(t, map[int]string{2: "5001"}, report.Resubmitted)

	script, ok := stub.scripts["resubmit_900_2.sh"]
	require.True(t, ok)
	require.Contains(t, script, "#SBATCH --account=def-aspuru")
	require.Contains(t, script, "cs224b-worker 2")

	// the transient script file must not survive submission
	_, err = os.Stat(filepath.Join(opt.WorkDir, "resubmit_900_2.sh"))
	require.True(t, os.IsNotExist(err))
}

func TestCheckProgressReportsDoneOnEmptyQueue(t *testing.T) {
	stub := &schedStub{queue: ""}
	mon, opt := newTestMonitor(t, stub)
	writeFile(t, opt.ControlFile, "MAX_NUM_JOBS=3")

	report, err := mon.CheckProgress(context.Background(), "900")
	require.NoError(t, err)
	require.True(t, report.Done)
	require.Zero(t, stub.submissions())
}
