// Package slurm talks to the cluster batch scheduler through its
// command-line control protocol: sbatch for submission and squeue for
// queue inspection. Cancellation is intentionally unused; a crashed
// partition is detected post-hoc and resubmitted instead.
package slurm

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/airbloc/logger"
	"github.com/pkg/errors"

	"github.com/akshat998/cs224b/pkg/retry"
)

// CommandRunner executes a scheduler binary and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// QueueEntry is one live (queued or running) sub-job of an array batch.
type QueueEntry struct {
	JobID          string
	PartitionIndex int
}

// Client wraps the scheduler binaries. The zero value is not usable;
// construct with New.
type Client struct {
	sbatchBin string
	squeueBin string
	run       CommandRunner
	log       logger.Logger
}

func New() *Client {
	return &Client{
		sbatchBin: "sbatch",
		squeueBin: "squeue",
		run:       runCommand,
		log:       logger.New("cs224b/slurm"),
	}
}

// NewWithRunner is New with the scheduler binaries stubbed out.
func NewWithRunner(run CommandRunner) *Client {
	c := New()
	c.run = run
	return c
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	// diagnostics land on stderr; squeue's "Invalid job id" message must
	// reach the caller, which matches on the returned output
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), errors.Wrapf(err, "run %s", name)
	}
	return out.Bytes(), nil
}

// Submit hands a job script to sbatch and returns the scheduler-assigned
// batch id. Submission failures are returned to the operator, never
// retried; retrying on a persistent cause (quota exhaustion, bad
// account) would loop forever.
func (c *Client) Submit(ctx context.Context, scriptPath string) (string, error) {
	out, err := c.run(ctx, c.sbatchBin, scriptPath)
	if err != nil {
		return "", errors.Wrap(err, "sbatch")
	}
	id, err := ParseSubmission(out)
	if err != nil {
		return "", err
	}
	c.log.Info("Submitted batch job {} ({})", id, scriptPath)
	return id, nil
}

// SubmitScript writes the rendered script to a transient file, submits
// it and deletes the file. The transient artifact is removed even when
// submission fails.
func (c *Client) SubmitScript(ctx context.Context, script, path string) (string, error) {
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", errors.Wrap(err, "write job script")
	}
	defer os.Remove(path)
	return c.Submit(ctx, path)
}

// Queue returns the live sub-jobs of a batch. An empty result means the
// batch has fully exited; it must not be read as "all crashed".
//
// Unlike submission, the query is side-effect free, so transient squeue
// failures (a controller timing out under load) are retried before
// giving up.
func (c *Client) Queue(ctx context.Context, batchID string) ([]QueueEntry, error) {
	out, err := retry.DoWithResult(func() ([]byte, error) {
		out, err := c.run(ctx, c.squeueBin, "-h", "-o", "%i", "-j", batchID)
		if err != nil {
			// squeue exits non-zero once the batch has left the queue entirely
			if strings.Contains(string(out), "Invalid job id") {
				return nil, nil
			}
			return out, err
		}
		return out, nil
	}, retry.WithDelay(2*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "squeue")
	}
	return c.parseQueue(out), nil
}

// ActiveIndices reduces the queue to the set of partition indices that
// are still queued or running.
func (c *Client) ActiveIndices(ctx context.Context, batchID string) (map[int]struct{}, error) {
	entries, err := c.Queue(ctx, batchID)
	if err != nil {
		return nil, err
	}
	active := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		active[e.PartitionIndex] = struct{}{}
	}
	return active, nil
}

// ParseSubmission extracts the batch id from sbatch output
// ("Submitted batch job 3956442").
func ParseSubmission(out []byte) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == "Submitted" && fields[1] == "batch" {
			return fields[len(fields)-1], nil
		}
	}
	return "", errors.Errorf("no batch id in sbatch output: %q", string(out))
}

// parseQueue reads "%i"-formatted squeue lines. Array members appear as
// <batch>_<index>; a pending array range appears as <batch>_[a-b].
func (c *Client) parseQueue(out []byte) []QueueEntry {
	var entries []QueueEntry
	for _, line := range strings.Split(string(out), "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		_, suffix, ok := strings.Cut(id, "_")
		if !ok {
			// plain job id: an individually resubmitted partition keeps
			// its index only in its name, not its id
			c.log.Verbose("queue entry {} carries no partition index", id)
			continue
		}
		for _, idx := range expandIndexRange(suffix) {
			entries = append(entries, QueueEntry{JobID: id, PartitionIndex: idx})
		}
	}
	return entries
}

// expandIndexRange turns "7" into [7] and "[2-5]" into [2 3 4 5].
func expandIndexRange(s string) []int {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// a pending range may carry a concurrency limit, e.g. "1-10%4"
	s, _, _ = strings.Cut(s, "%")
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(lo)
	if err != nil {
		return nil
	}
	if !isRange {
		return []int{start}
	}
	end, err := strconv.Atoi(hi)
	if err != nil || end < start {
		return nil
	}
	out := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}
