// Package config reads and rewrites the run control file (all.ctrl).
//
// The control file is the only state shared between the partitioner, the
// workers and the monitor. It is read at the start of every command and
// rewritten by exactly one step (the finish/reconcile phase), after all
// jobs of the current batch have exited. Overlapping control-loop runs on
// the same file are not supported and must be serialized by the operator.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
)

// Well-known control file keys.
const (
	KeyNumMols          = "NUM_MOLS"
	KeySmilesFile       = "SMILES_FILES"
	KeyMaxNumJobs       = "MAX_NUM_JOBS"
	KeyUseLoadBalancer  = "USE_LOAD_BALANCER"
	KeyPartitioner      = "PARTITIONER"
	KeyNumCPUs          = "NUM_CPUS"
	KeyScoreThreshold   = "DOCKING_SCORE_THRESHOLD"
	KeyReceptorLocation = "RECEPTOR_LOCATION"
	KeyExhaustiveness   = "EXHAUSTIVENESS"
	KeySlurmAccount     = "SLURM_ACCOUNT"
	KeyTimeoutSeconds   = "TIMEOUT_SECONDS"
)

// Line is one physical line of the control file. Raw keeps the original
// text so a rewrite leaves untouched keys, comments and blanks verbatim.
type Line struct {
	Raw   string
	Key   string
	Value string
}

// RunConfig is an immutable snapshot of the control file. Mutation goes
// through WithValues, which returns a fresh copy.
type RunConfig struct {
	Lines []Line
}

// Read parses a control file. Lines starting with '#' and blank lines are
// kept but carry no key. A non-comment line without '=' is a data
// integrity failure and aborts the run.
func Read(path string) (RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return RunConfig{}, errors.Wrap(err, "open control file")
	}
	defer f.Close()

	var c RunConfig
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			c.Lines = append(c.Lines, Line{Raw: raw})
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return RunConfig{}, errors.Errorf("%s:%d: malformed line %q", path, n, raw)
		}
		c.Lines = append(c.Lines, Line{Raw: raw, Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return RunConfig{}, errors.Wrap(err, "read control file")
	}
	return c, nil
}

// Write renders the config back to path. Untouched lines are written
// byte-identical; updated keys are rendered as key=value.
func Write(path string, c RunConfig) error {
	var b strings.Builder
	for _, l := range c.Lines {
		b.WriteString(l.Raw)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write control file")
	}
	return nil
}

// WithValues returns a copy of c with the given keys replaced. Keys not
// present in the file are appended. The receiver is left untouched.
func (c RunConfig) WithValues(updates map[string]string) RunConfig {
	var out RunConfig
	if err := copier.Copy(&out, &c); err != nil {
		panic(err)
	}
	// detach the backing array before editing; copier copies the header only
	out.Lines = append([]Line(nil), c.Lines...)

	seen := make(map[string]bool, len(updates))
	for i, l := range out.Lines {
		if v, ok := updates[l.Key]; ok && l.Key != "" {
			out.Lines[i] = Line{Raw: l.Key + "=" + v, Key: l.Key, Value: v}
			seen[l.Key] = true
		}
	}
	for k, v := range updates {
		if !seen[k] {
			out.Lines = append(out.Lines, Line{Raw: k + "=" + v, Key: k, Value: v})
		}
	}
	return out
}

// WithResidual is the reconcile-phase update: point the run at the
// residual input set.
func (c RunConfig) WithResidual(numMols int, smilesPath string) RunConfig {
	return c.WithValues(map[string]string{
		KeyNumMols:    strconv.Itoa(numMols),
		KeySmilesFile: smilesPath,
	})
}

// Str returns the value for key, or an error when the key is absent.
func (c RunConfig) Str(key string) (string, error) {
	for _, l := range c.Lines {
		if l.Key == key {
			return l.Value, nil
		}
	}
	return "", errors.Errorf("key %s not set in control file", key)
}

// StrOr returns the value for key, or fallback when absent.
func (c RunConfig) StrOr(key, fallback string) string {
	if v, err := c.Str(key); err == nil {
		return v
	}
	return fallback
}

func (c RunConfig) Int(key string) (int, error) {
	v, err := c.Str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "key %s", key)
	}
	return n, nil
}

func (c RunConfig) IntOr(key string, fallback int) int {
	if n, err := c.Int(key); err == nil {
		return n
	}
	return fallback
}

func (c RunConfig) Float(key string) (float64, error) {
	v, err := c.Str(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "key %s", key)
	}
	return f, nil
}

func (c RunConfig) Bool(key string) (bool, error) {
	v, err := c.Str(key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.Errorf("key %s: not a boolean: %q", key, v)
}

func (c RunConfig) BoolOr(key string, fallback bool) bool {
	if b, err := c.Bool(key); err == nil {
		return b
	}
	return fallback
}
