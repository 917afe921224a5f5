package slurm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func TestParseSubmission(t *testing.T) {
	id, err := ParseSubmission([]byte("Submitted batch job 3956442\n"))
	require.NoError(t, err)
	require.Equal(t, "3956442", id)

	_, err = ParseSubmission([]byte("sbatch: error: Batch job submission failed\n"))
	require.Error(t, err)
}

func TestQueueParsing(t *testing.T) {
	Convey("Given squeue output for an array batch", t, func() {
		c := NewWithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("3956442_1\n3956442_3\n3956442_[5-7%2]\n3956440\n"), nil
		})

		active, err := c.ActiveIndices(context.Background(), "3956442")
		So(err, ShouldBeNil)

		Convey("Each live entry maps to its partition index", func() {
			So(active, ShouldResemble, map[int]struct{}{
				1: {}, 3: {}, 5: {}, 6: {}, 7: {},
			})
		})
	})

	Convey("An empty queue means the batch fully exited", t, func() {
		c := NewWithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte(""), nil
		})
		active, err := c.ActiveIndices(context.Background(), "3956442")
		So(err, ShouldBeNil)
		So(active, ShouldBeEmpty)
	})

	Convey("The invalid-job-id message arrives on stderr with the real runner", t, func() {
		// squeue prints the message on stderr; the production runner must
		// still surface it to the terminal-state check
		bin := filepath.Join(t.TempDir(), "squeue")
		So(os.WriteFile(bin, []byte(
			"#!/bin/sh\necho 'slurm_load_jobs error: Invalid job id specified' >&2\nexit 1\n",
		), 0o755), ShouldBeNil)

		c := New()
		c.squeueBin = bin
		active, err := c.ActiveIndices(context.Background(), "3956442")
		So(err, ShouldBeNil)
		So(active, ShouldBeEmpty)
	})

	Convey("An invalid-job-id failure also means the batch exited", t, func() {
		calls := 0
		c := NewWithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls++
			return []byte("slurm_load_jobs error: Invalid job id specified\n"), errors.New("exit status 1")
		})
		active, err := c.ActiveIndices(context.Background(), "3956442")
		So(err, ShouldBeNil)
		So(active, ShouldBeEmpty)
		// terminal, not transient: must not burn the retry budget
		So(calls, ShouldEqual, 1)
	})
}

func TestSubmitScriptDeletesTransientFile(t *testing.T) {
	var submitted string
	c := NewWithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		submitted = args[len(args)-1]
		return []byte("Submitted batch job 77\n"), nil
	})

	path := filepath.Join(t.TempDir(), "resubmit_77_2.sh")
	id, err := c.SubmitScript(context.Background(), "#!/bin/bash\n", path)
	require.NoError(t, err)
	require.Equal(t, "77", id)
	require.Equal(t, path, submitted)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "job script should be deleted after submission")
}

func TestScripts(t *testing.T) {
	opt := DefaultScriptOptions()
	opt.Account = "akshat998"

	Convey("The array script dispatches every partition", t, func() {
		s, err := ArrayScript(opt, 10)
		So(err, ShouldBeNil)
		So(s, ShouldContainSubstring, "#SBATCH --array=1-10")
		So(s, ShouldContainSubstring, "#SBATCH --account=akshat998")
		So(s, ShouldContainSubstring, "module load openbabel")
		So(s, ShouldContainSubstring, "cs224b-worker $SLURM_ARRAY_TASK_ID")

		_, err = ArrayScript(opt, 0)
		So(err, ShouldNotBeNil)
	})

	Convey("The single-partition script pins index and log files", t, func() {
		s, err := WorkerScript(opt, 7)
		So(err, ShouldBeNil)
		So(s, ShouldContainSubstring, "#SBATCH -e stderr_7.txt")
		So(s, ShouldContainSubstring, "#SBATCH -o stdout_7.txt")
		So(s, ShouldContainSubstring, "cs224b-worker 7")
		So(s, ShouldNotContainSubstring, "--array")
	})
}
