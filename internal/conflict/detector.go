// Package conflict detects file-level collisions between task lists that are
// scheduled to run at the same time. Matching is a coarse over-approximation:
// glob markers are stripped before comparison, so src/**/*.ts and src/a.ts
// collapse to overlapping keys. False positives are preferred over missed
// conflicts.
package conflict

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a declared file operation.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	OpRead   Op = "READ"
)

// Impact is one declared file impact of a task.
type Impact struct {
	TaskID string
	ListID string
	Path   string // raw path or glob as declared
	Op     Op
}

// Conflict is a pair of impacts from different tasks that cannot safely run
// concurrently.
type Conflict struct {
	TaskA string // candidate-side task
	TaskB string // active-side task
	ListA string
	ListB string
	Path  string // normalized path both impacts mapped to
	Kind  string // e.g. "write_write", "delete_read"
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s between task %s (list %s) and task %s (list %s) on %s",
		c.Kind, c.TaskA, c.ListA, c.TaskB, c.ListB, c.Path)
}

// NormalizePath reduces a path or glob to its comparison key: glob markers
// stripped, repeated separators collapsed, trailing separator removed,
// lowercased.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "**", "")
	p = strings.ReplaceAll(p, "*", "")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimSuffix(p, "/")
	return strings.ToLower(p)
}

// opRank orders operations for canonical pair naming.
var opRank = map[Op]int{OpCreate: 0, OpUpdate: 1, OpDelete: 2, OpRead: 3}

// conflictPairs holds the conflicting operation pairs in canonical
// (lower-rank, higher-rank) order. Conflicting checks both orderings, so the
// matrix is symmetric in effect.
var conflictPairs = map[[2]Op]bool{
	{OpCreate, OpCreate}: true,
	{OpCreate, OpDelete}: true,
	{OpUpdate, OpUpdate}: true,
	{OpUpdate, OpDelete}: true,
	{OpDelete, OpDelete}: true,
	{OpDelete, OpRead}:   true,
}

func canonical(a, b Op) [2]Op {
	if opRank[a] > opRank[b] {
		return [2]Op{b, a}
	}
	return [2]Op{a, b}
}

// Conflicting reports whether two operations on the same file are unsafe to
// run concurrently. Symmetric: Conflicting(a, b) == Conflicting(b, a).
func Conflicting(a, b Op) bool {
	return conflictPairs[canonical(a, b)]
}

// Kind names a conflicting operation pair, with UPDATE reported as "write".
func Kind(a, b Op) string {
	pair := canonical(a, b)
	names := [2]string{}
	for i, op := range pair {
		switch op {
		case OpUpdate:
			names[i] = "write"
		default:
			names[i] = strings.ToLower(string(op))
		}
	}
	return names[0] + "_" + names[1]
}

// Detect compares a candidate list's impacts against the impacts of all
// currently active lists and returns every conflicting pair. Pairs within
// the same task are excluded. Results are deduplicated and ordered
// deterministically.
func Detect(candidate, active []Impact) []Conflict {
	byPath := make(map[string][]Impact)
	for _, imp := range active {
		key := NormalizePath(imp.Path)
		byPath[key] = append(byPath[key], imp)
	}

	seen := make(map[string]bool)
	var conflicts []Conflict
	for _, cand := range candidate {
		key := NormalizePath(cand.Path)
		for _, other := range byPath[key] {
			if other.TaskID == cand.TaskID {
				continue
			}
			if !Conflicting(cand.Op, other.Op) {
				continue
			}
			c := Conflict{
				TaskA: cand.TaskID,
				TaskB: other.TaskID,
				ListA: cand.ListID,
				ListB: other.ListID,
				Path:  key,
				Kind:  Kind(cand.Op, other.Op),
			}
			dedup := c.TaskA + "\x00" + c.TaskB + "\x00" + c.Path + "\x00" + c.Kind
			if seen[dedup] {
				continue
			}
			seen[dedup] = true
			conflicts = append(conflicts, c)
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].TaskA != conflicts[j].TaskA {
			return conflicts[i].TaskA < conflicts[j].TaskA
		}
		if conflicts[i].TaskB != conflicts[j].TaskB {
			return conflicts[i].TaskB < conflicts[j].TaskB
		}
		return conflicts[i].Path < conflicts[j].Path
	})
	return conflicts
}
