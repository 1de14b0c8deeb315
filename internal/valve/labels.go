package valve

import (
	"fmt"
	"sort"
	"strconv"
)

// Labels is a bijection between human-readable port labels and 1-based port
// indices.
type Labels struct {
	byLabel map[string]int
	byIndex map[int]string
}

// NewLabels builds a label mapping from m, e.g. {"sample": 3, "waste": 6}.
// Two labels pointing at the same index, or an index below 1, is rejected.
func NewLabels(m map[string]int) (Labels, error) {
	l := Labels{
		byLabel: make(map[string]int, len(m)),
		byIndex: make(map[int]string, len(m)),
	}
	for label, idx := range m {
		if label == "" {
			return Labels{}, configError("empty port label")
		}
		if idx < 1 {
			return Labels{}, configError(fmt.Sprintf("port label %q has invalid index %d", label, idx))
		}
		if other, dup := l.byIndex[idx]; dup {
			return Labels{}, configError(fmt.Sprintf("port %d labelled twice (%q and %q)", idx, other, label))
		}
		l.byLabel[label] = idx
		l.byIndex[idx] = label
	}
	return l, nil
}

// DefaultLabels labels ports 1..n with their own numbers.
func DefaultLabels(n int) Labels {
	l := Labels{
		byLabel: make(map[string]int, n),
		byIndex: make(map[int]string, n),
	}
	for i := 1; i <= n; i++ {
		s := strconv.Itoa(i)
		l.byLabel[s] = i
		l.byIndex[i] = s
	}
	return l
}

// SwitchLabels is the labelling used for two-position switch valves.
func SwitchLabels() Labels {
	l, _ := NewLabels(map[string]int{"A": 1, "B": 2})
	return l
}

// Index returns the port index for label.
func (l Labels) Index(label string) (int, bool) {
	idx, ok := l.byLabel[label]
	return idx, ok
}

// Label returns the label of port idx. A port with no label yields ("", false).
func (l Labels) Label(idx int) (string, bool) {
	label, ok := l.byIndex[idx]
	return label, ok
}

func (l Labels) Len() int { return len(l.byLabel) }

// Map returns a copy of the label → index mapping.
func (l Labels) Map() map[string]int {
	out := make(map[string]int, len(l.byLabel))
	for k, v := range l.byLabel {
		out[k] = v
	}
	return out
}

// Sorted returns the labels ordered by port index.
func (l Labels) Sorted() []string {
	idx := make([]int, 0, len(l.byIndex))
	for i := range l.byIndex {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = l.byIndex[n]
	}
	return out
}
