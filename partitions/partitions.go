// Package partitions splits the master molecule list into balanced
// per-job work lists.
package partitions

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Item is one unit of independent computation: a molecule identified by
// its SMILES string, weighted by an approximate computational cost.
type Item struct {
	ID   string
	Cost int
}

// Partition is the ordered set of items dispatched as one scheduler job.
// Index is 1-based to match the scheduler's array task numbering.
type Partition struct {
	Index int
	Items []Item
	Load  int
}

func (p *Partition) add(it Item) {
	p.Items = append(p.Items, it)
	p.Load += it.Cost
}

// ReadItems loads the master input file: one molecule per line, either
// "smiles" or "smiles cost". When the cost column is absent it is
// estimated from the SMILES string itself. A line whose cost cannot be
// determined fails the whole read; silently dropping an item would break
// the at-least-once guarantee of the finish step.
func ReadItems(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open master input")
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		it := Item{ID: fields[0]}
		if len(fields) > 1 {
			cost, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: cost column", path, n)
			}
			it.Cost = cost
		} else {
			it.Cost = EstimateCost(it.ID)
		}
		if it.Cost <= 0 {
			return nil, errors.Errorf("%s:%d: cannot determine cost of %q", path, n, it.ID)
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read master input")
	}
	return items, nil
}

// EstimateCost approximates the heavy-atom count of a SMILES string,
// which tracks structure generation and docking time closely enough for
// load balancing. Uppercase letters open an atom symbol ("Cl" counts
// once), aromatic atoms appear as lowercase b/c/n/o/p/s, hydrogens are
// skipped.
func EstimateCost(smiles string) int {
	count := 0
	inSymbol := false
	for i := 0; i < len(smiles); i++ {
		ch := smiles[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
			inSymbol = ch != 'H'
			if ch != 'H' {
				count++
			}
		case ch >= 'a' && ch <= 'z':
			if inSymbol {
				// second letter of a two-letter element symbol
				inSymbol = false
				continue
			}
			switch ch {
			case 'b', 'c', 'n', 'o', 'p', 's':
				count++
			}
		default:
			inSymbol = false
		}
	}
	return count
}

// File returns the partition input path for the given index.
func File(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("partition_%d.smi", index))
}

// WriteFiles persists each partition as partition_<index>.smi under dir,
// one molecule per line. Existing files are overwritten; every dispatch
// produces a fresh partition set.
func WriteFiles(dir string, pp []Partition) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create partition dir")
	}
	for _, p := range pp {
		var b strings.Builder
		for _, it := range p.Items {
			b.WriteString(it.ID)
			b.WriteByte('\n')
		}
		if err := os.WriteFile(File(dir, p.Index), []byte(b.String()), 0o644); err != nil {
			return errors.Wrapf(err, "write partition %d", p.Index)
		}
	}
	return nil
}

// RemoveFiles deletes the partition files for indices [1, m]. Missing
// files are ignored.
func RemoveFiles(dir string, m int) error {
	for i := 1; i <= m; i++ {
		if err := os.Remove(File(dir, i)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove partition %d", i)
		}
	}
	return nil
}
