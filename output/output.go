// Package output manages the per-partition result logs. A log records
// every ATTEMPTED molecule, one line per item, regardless of outcome;
// the finish step later treats any molecule absent from the logs as
// never attempted and schedules it for resubmission.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Record is one output log line: "id, score". Score may be the failure
// sentinel; identity is recovered downstream purely by string match on
// the id field.
type Record struct {
	ID    string
	Score float64
}

func (r Record) line() string {
	return r.ID + ", " + strconv.FormatFloat(r.Score, 'g', -1, 64) + "\n"
}

// File returns the output log path for a partition index.
func File(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("OUTPUT_%d.txt", index))
}

// Writer appends records to a partition log. Appends are serialized so
// concurrent items never interleave partial lines; a single append is
// the unit of atomicity.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open output log")
	}
	return &Writer{f: f}, nil
}

func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(r.line()); err != nil {
		return errors.Wrapf(err, "append record for %s", r.ID)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}

// Parse reads records from an output log. Unparsable lines are an error:
// the log is machine-written, so damage means the run state is suspect.
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, scoreStr, ok := strings.Cut(line, ",")
		if !ok {
			return nil, errors.Errorf("line %d: malformed record %q", n, line)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(scoreStr), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: score", n)
		}
		records = append(records, Record{ID: strings.TrimSpace(id), Score: score})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read output log")
	}
	return records, nil
}

// ReadFile parses one output log file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open output log")
	}
	defer f.Close()
	return Parse(f)
}

// HasLogs reports whether any partition log for indices [1, m] exists.
// The finish step combines logs only when there is something to combine;
// re-running it after a completed merge must not clobber the combined
// file with an empty one.
func HasLogs(dir string, m int) bool {
	for i := 1; i <= m; i++ {
		if _, err := os.Stat(File(dir, i)); err == nil {
			return true
		}
	}
	return false
}

// Combine concatenates the partition logs for indices [1, m] into
// combinedPath and deletes the per-partition files. The merge is written
// to a temporary file and renamed into place before anything is deleted,
// so a crash mid-combine never loses attempted records. Missing
// partition logs are skipped: a crashed job may have produced nothing.
func Combine(dir string, m int, combinedPath string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(combinedPath), ".combine-*")
	if err != nil {
		return 0, errors.Wrap(err, "create combine temp")
	}
	defer os.Remove(tmp.Name())

	var merged []string
	lines := 0
	for i := 1; i <= m; i++ {
		path := File(dir, i)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			tmp.Close()
			return 0, errors.Wrapf(err, "open partition %d log", i)
		}
		n, err := countingCopy(tmp, f)
		f.Close()
		if err != nil {
			tmp.Close()
			return 0, errors.Wrapf(err, "merge partition %d log", i)
		}
		lines += n
		merged = append(merged, path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "sync combined log")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "close combined log")
	}
	if err := os.Rename(tmp.Name(), combinedPath); err != nil {
		return 0, errors.Wrap(err, "publish combined log")
	}

	// the merge is durable; per-partition logs are now redundant
	for _, path := range merged {
		if err := os.Remove(path); err != nil {
			return lines, errors.Wrapf(err, "remove %s", path)
		}
	}
	return lines, nil
}

func countingCopy(dst io.Writer, src io.Reader) (int, error) {
	lines := 0
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		if _, err := io.WriteString(dst, scanner.Text()+"\n"); err != nil {
			return lines, err
		}
		lines++
	}
	return lines, scanner.Err()
}
