// Package dock wraps the external chemistry executables: obabel for 3-D
// structure generation, obenergy for structure quality checks and qvina
// for the docking run itself. Every invocation is bounded by a wall-clock
// timeout; a tool that fails or hangs yields the sentinel score rather
// than an escalated error.
package dock

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/airbloc/logger"
	"github.com/pkg/errors"
)

// SentinelScore marks a computation that did not produce a usable result.
// The value is part of the output log format and shared with downstream
// analysis tooling.
const SentinelScore = 10000

// Params carries the receptor geometry and tool configuration, read from
// the run control file.
type Params struct {
	Receptor       string
	CenterX        string
	CenterY        string
	CenterZ        string
	SizeX          string
	SizeY          string
	SizeZ          string
	Exhaustiveness string

	QvinaBin    string
	ObabelBin   string
	ObenergyBin string

	// Timeout bounds each external invocation.
	Timeout time.Duration
}

// Runner executes an external command and returns its stdout. Injected
// so tests can run without the chemistry toolchain installed.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Pipeline runs the per-molecule structure generation and docking steps.
type Pipeline struct {
	params Params
	run    Runner
	log    logger.Logger
}

func New(params Params) *Pipeline {
	if params.QvinaBin == "" {
		params.QvinaBin = "./DATA/qvina"
	}
	if params.ObabelBin == "" {
		params.ObabelBin = "obabel"
	}
	if params.ObenergyBin == "" {
		params.ObenergyBin = "obenergy"
	}
	if params.Exhaustiveness == "" {
		params.Exhaustiveness = "1"
	}
	if params.Timeout == 0 {
		params.Timeout = 2 * time.Minute
	}
	return &Pipeline{
		params: params,
		run:    runCommand,
		log:    logger.New("cs224b/dock"),
	}
}

// NewWithRunner is New with a custom command runner.
func NewWithRunner(params Params, run Runner) *Pipeline {
	p := New(params)
	p.run = run
	return p
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.Bytes(), errors.Wrapf(ctxErr, "%s timed out", name)
	}
	if err != nil {
		return out.Bytes(), errors.Wrapf(err, "run %s", name)
	}
	return out.Bytes(), nil
}

func (p *Pipeline) bounded(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.params.Timeout)
}

// GenerateStructure converts a SMILES string into a 3-D ligand written to
// ligandPath.
func (p *Pipeline) GenerateStructure(ctx context.Context, smiles, ligandPath string) error {
	cctx, cancel := p.bounded(ctx)
	defer cancel()

	_, err := p.run(cctx, p.params.ObabelBin,
		"-ismi", "-:"+smiles, "-O", ligandPath, "--gen3d", "fastest")
	return errors.Wrap(err, "structure generation")
}

// CheckEnergy computes the total energy of a structure file. Any failure,
// including a timeout or unparsable output, returns the sentinel; the
// quality gate treats a sentinel as an unusable structure.
func (p *Pipeline) CheckEnergy(ctx context.Context, structurePath string) float64 {
	cctx, cancel := p.bounded(ctx)
	defer cancel()

	out, err := p.run(cctx, p.params.ObenergyBin, structurePath)
	if err != nil {
		return SentinelScore
	}
	energy, err := ParseEnergy(out)
	if err != nil {
		p.log.Verbose("obenergy output unparsable for {}: {}", structurePath, err)
		return SentinelScore
	}
	return energy
}

// Dock runs qvina on the ligand and writes the pose to posePath. The pose
// itself is energy-checked before the score is trusted.
func (p *Pipeline) Dock(ctx context.Context, ligandPath, posePath string) (float64, error) {
	cctx, cancel := p.bounded(ctx)
	defer cancel()

	out, err := p.run(cctx, p.params.QvinaBin,
		"--receptor", p.params.Receptor,
		"--ligand", ligandPath,
		"--center_x", p.params.CenterX,
		"--center_y", p.params.CenterY,
		"--center_z", p.params.CenterZ,
		"--size_x", p.params.SizeX,
		"--size_y", p.params.SizeY,
		"--size_z", p.params.SizeZ,
		"--exhaustiveness", p.params.Exhaustiveness,
		"--out", posePath)
	if err != nil {
		return SentinelScore, errors.Wrap(err, "docking")
	}

	if poseEnergy := p.CheckEnergy(ctx, posePath); poseEnergy >= SentinelScore {
		return SentinelScore, errors.New("docked pose failed the energy check")
	}
	score, err := ParseScore(out)
	if err != nil {
		return SentinelScore, errors.Wrap(err, "docking output")
	}
	return score, nil
}

// ParseEnergy extracts the total energy from obenergy output. The value
// sits on the last content line, second-to-last whitespace field
// ("TOTAL ENERGY = <value> kcal/mol").
func ParseEnergy(out []byte) (float64, error) {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return 0, errors.Errorf("unexpected obenergy output: %q", lines[len(lines)-1])
	}
	energy, err := strconv.ParseFloat(fields[len(fields)-2], 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse energy value")
	}
	return energy, nil
}

// ParseScore extracts the best (lowest) affinity from the qvina mode
// table: rows of "mode | affinity | rmsd l.b. | rmsd u.b.".
func ParseScore(out []byte) (float64, error) {
	best := 0.0
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 4 {
			continue
		}
		if _, err := strconv.Atoi(parts[0]); err != nil {
			continue
		}
		score, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		if !found || score < best {
			best = score
			found = true
		}
	}
	if !found {
		return 0, errors.New("no binding modes in qvina output")
	}
	return best, nil
}
