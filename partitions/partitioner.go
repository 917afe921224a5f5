package partitions

import (
	"sort"

	"github.com/airbloc/logger"
	"github.com/pkg/errors"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/thoas/go-funk"
)

var log = logger.New("cs224b/partitions")

// Partitioner distributes items into exactly m partitions. Every input
// item lands in exactly one partition; partitions may be empty when m
// exceeds the item count.
type Partitioner interface {
	Plan(items []Item, m int) ([]Partition, error)
}

// ForConfig picks the partitioner for the control file settings. An
// explicit PARTITIONER mode wins; otherwise the USE_LOAD_BALANCER
// switch selects balanced or random.
func ForConfig(mode string, useLoadBalancer bool) (Partitioner, error) {
	if mode != "" {
		return ByName(mode)
	}
	if useLoadBalancer {
		return NewBalancedPartitioner(), nil
	}
	return NewRandomPartitioner(), nil
}

// ByName resolves a partitioner mode name from the control file.
func ByName(name string) (Partitioner, error) {
	switch name {
	case "balanced":
		return NewBalancedPartitioner(), nil
	case "random":
		return NewRandomPartitioner(), nil
	case "hashed":
		return NewHashedPartitioner(), nil
	}
	return nil, errors.Errorf("unknown partitioner %q", name)
}

func emptyPlan(m int) ([]Partition, error) {
	if m <= 0 {
		return nil, errors.Errorf("number of partitions must be positive, got %d", m)
	}
	pp := make([]Partition, m)
	for i := range pp {
		pp[i].Index = i + 1
	}
	return pp, nil
}

// balancedPartitioner implements the longest-processing-time-first
// heuristic: items sorted by descending cost, each assigned to the
// partition with minimum cumulative load. Deterministic; makespan is
// within a constant factor of optimal.
type balancedPartitioner struct{}

func NewBalancedPartitioner() Partitioner {
	return &balancedPartitioner{}
}

func (b *balancedPartitioner) Plan(items []Item, m int) ([]Partition, error) {
	pp, err := emptyPlan(m)
	if err != nil {
		return nil, err
	}
	sorted := append([]Item(nil), items...)
	// stable keeps input order on equal costs, so the plan is deterministic
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Cost > sorted[j].Cost
	})
	for _, it := range sorted {
		min := 0
		for i := 1; i < m; i++ {
			if pp[i].Load < pp[min].Load {
				min = i
			}
		}
		pp[min].add(it)
	}
	logPlan("balanced", pp)
	return pp, nil
}

// randomPartitioner shuffles the items and deals them round-robin. Sizes
// differ by at most one. Not reproducible across runs; the goal is only
// to break systematic cost correlation in the input ordering.
type randomPartitioner struct{}

func NewRandomPartitioner() Partitioner {
	return &randomPartitioner{}
}

func (r *randomPartitioner) Plan(items []Item, m int) ([]Partition, error) {
	pp, err := emptyPlan(m)
	if err != nil {
		return nil, err
	}
	shuffled := funk.Shuffle(append([]Item(nil), items...)).([]Item)
	for i, it := range shuffled {
		pp[i%m].add(it)
	}
	logPlan("random", pp)
	return pp, nil
}

// hashedPartitioner assigns each item by the FNV-1a hash of its ID.
// Deterministic across runs and across resubmissions, so a molecule
// always re-lands in the same slot.
type hashedPartitioner struct{}

func NewHashedPartitioner() Partitioner {
	return &hashedPartitioner{}
}

func (h *hashedPartitioner) Plan(items []Item, m int) ([]Partition, error) {
	pp, err := emptyPlan(m)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		slot := fnv1a.HashString64(it.ID) % uint64(m)
		pp[slot].add(it)
	}
	logPlan("hashed", pp)
	return pp, nil
}

func logPlan(mode string, pp []Partition) {
	for _, p := range pp {
		log.Verbose("{} plan: partition {} holds {} items (load {})", mode, p.Index, len(p.Items), p.Load)
	}
}
