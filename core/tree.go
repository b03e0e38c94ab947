package core

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TreeObjectType discriminates tree nodes in their JSON form
type TreeObjectType string

const (
	TreeObjectObservable TreeObjectType = "observable"
	TreeObjectAnalysis   TreeObjectType = "analysis"
)

// TreeObservable is the observable payload rendered at a tree position
type TreeObservable struct {
	Version      uuid.UUID `json:"version"`
	Type         string    `json:"type"`
	Value        string    `json:"value"`
	ForDetection bool      `json:"for_detection"`
	Tags         []string  `json:"tags"`
	Directives   []string  `json:"directives"`
}

// TreeAnalysis is the analysis payload rendered at a tree position
type TreeAnalysis struct {
	Version            uuid.UUID  `json:"version"`
	AnalysisModuleType *string    `json:"analysis_module_type"`
	RunTime            time.Time  `json:"run_time"`
	CachedDuring       *TimeRange `json:"cached_during"`
	Summary            *string    `json:"summary"`
	ErrorMessage       *string    `json:"error_message"`
}

// TreeNode is one position in an assembled tree. Every position is its own value, so
// flags set on one occurrence of a uuid never leak onto another.
type TreeNode struct {
	ObjectType      TreeObjectType  `json:"object_type"`
	UUID            uuid.UUID       `json:"uuid"`
	TreeUUID        uuid.UUID       `json:"tree_uuid"`
	JumpTo          *uuid.UUID      `json:"jump_to"`
	FirstAppearance bool            `json:"first_appearance"`
	CriticalPath    bool            `json:"critical_path"`
	Observable      *TreeObservable `json:"observable,omitempty"`
	Analysis        *TreeAnalysis   `json:"analysis,omitempty"`
	Children        []*TreeNode     `json:"children"`
}

// SubmissionTree is a submission together with its rendered tree
type SubmissionTree struct {
	Submission
	Children []*TreeNode `json:"children"`
}

// TreeEdge is one analysis → child observable link with its optional sort annotation
type TreeEdge struct {
	ObservableUUID uuid.UUID
	Sort           *int
}

// TreeAnalysisRow is an analysis with its child edges in insertion order
type TreeAnalysisRow struct {
	Analysis Analysis
	Children []TreeEdge
}

// TreeInput is the flat row set of one submission, fully loaded before assembly
type TreeInput struct {
	RootAnalysisUUID uuid.UUID
	Analyses         []TreeAnalysisRow
	Observables      map[uuid.UUID]Observable
}

// TreeOptions tunes tree assembly
type TreeOptions struct {
	// CriticalPoints are observable uuids whose ancestor chains get CriticalPath=true
	CriticalPoints []uuid.UUID
}

type treeWork struct {
	analysis   *TreeAnalysisRow
	observable uuid.UUID
	parent     *TreeNode
}

// AssembleTree turns the flat analysis/observable rows of a submission into a tree.
//
// Work items are popped from the front of a queue and each item's children are pushed
// back onto the front as one ordered batch, so the walk is depth-first. The first
// occurrence of an observable uuid is expanded with the analyses targeting it; later
// occurrences get JumpTo set to the first occurrence's TreeUUID and no children. Each
// item remembers the tree node it will be attached to, which keeps repeated observables
// bound to the analysis that produced that particular occurrence.
//
// The root analysis is not rendered; its children are returned as the top-level list.
func AssembleTree(in TreeInput, opts TreeOptions) ([]*TreeNode, error) {
	byUUID := make(map[uuid.UUID]*TreeAnalysisRow, len(in.Analyses))
	byTarget := make(map[uuid.UUID][]*TreeAnalysisRow)
	for i := range in.Analyses {
		row := &in.Analyses[i]
		if _, dup := byUUID[row.Analysis.UUID]; dup {
			continue
		}
		byUUID[row.Analysis.UUID] = row
		if row.Analysis.TargetUUID != nil {
			byTarget[*row.Analysis.TargetUUID] = append(byTarget[*row.Analysis.TargetUUID], row)
		}
	}

	root, ok := byUUID[in.RootAnalysisUUID]
	if !ok {
		return nil, UUIDNotFound("root analysis", in.RootAnalysisUUID)
	}

	holder := &TreeNode{Children: []*TreeNode{}}
	opened := make(map[uuid.UUID]*TreeNode)
	queue := []treeWork{{analysis: root, parent: holder}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		var batch []treeWork
		if item.analysis != nil {
			node := holder
			if item.analysis != root {
				node = renderAnalysis(&item.analysis.Analysis)
				item.parent.Children = append(item.parent.Children, node)
			}
			for _, edge := range sortEdges(item.analysis.Children) {
				batch = append(batch, treeWork{observable: edge.ObservableUUID, parent: node})
			}
		} else {
			obs, ok := in.Observables[item.observable]
			if !ok {
				return nil, fmt.Errorf("assemble tree: %w", UUIDNotFound("observable", item.observable))
			}
			node := renderObservable(&obs)
			item.parent.Children = append(item.parent.Children, node)

			if first, seen := opened[obs.UUID]; seen {
				jump := first.TreeUUID
				node.JumpTo = &jump
			} else {
				opened[obs.UUID] = node
				for _, a := range byTarget[obs.UUID] {
					batch = append(batch, treeWork{analysis: a, parent: node})
				}
			}
		}
		queue = append(batch, queue...)
	}

	MarkFirstAppearances(holder.Children)
	MarkCriticalPath(holder.Children, opts.CriticalPoints)
	return holder.Children, nil
}

// sortEdges orders sibling observables by their sort annotation, unannotated last,
// keeping insertion order for ties.
func sortEdges(edges []TreeEdge) []TreeEdge {
	sorted := slices.Clone(edges)
	slices.SortStableFunc(sorted, func(a, b TreeEdge) int {
		switch {
		case a.Sort == nil && b.Sort == nil:
			return 0
		case a.Sort == nil:
			return 1
		case b.Sort == nil:
			return -1
		}
		return cmp.Compare(*a.Sort, *b.Sort)
	})
	return sorted
}

func renderObservable(o *Observable) *TreeNode {
	return &TreeNode{
		ObjectType: TreeObjectObservable,
		UUID:       o.UUID,
		TreeUUID:   uuid.New(),
		Observable: &TreeObservable{
			Version:      o.Version,
			Type:         o.Type,
			Value:        o.Value,
			ForDetection: o.ForDetection,
			Tags:         slices.Clone(nonNil(o.Tags)),
			Directives:   slices.Clone(nonNil(o.Directives)),
		},
		Children: []*TreeNode{},
	}
}

func renderAnalysis(a *Analysis) *TreeNode {
	return &TreeNode{
		ObjectType: TreeObjectAnalysis,
		UUID:       a.UUID,
		TreeUUID:   uuid.New(),
		Analysis: &TreeAnalysis{
			Version:            a.Version,
			AnalysisModuleType: a.AnalysisModuleType,
			RunTime:            a.RunTime,
			CachedDuring:       a.CachedDuring,
			Summary:            a.Summary,
			ErrorMessage:       a.ErrorMessage,
		},
		Children: []*TreeNode{},
	}
}

// MarkFirstAppearances flags, in a pre-order walk, the first position of every uuid.
func MarkFirstAppearances(nodes []*TreeNode) {
	seen := make(map[uuid.UUID]struct{})
	WalkTree(nodes, func(n *TreeNode, _ int) {
		_, dup := seen[n.UUID]
		n.FirstAppearance = !dup
		seen[n.UUID] = struct{}{}
	})
}

// MarkCriticalPath sets CriticalPath on every occurrence of a critical observable and on
// all of its ancestors. Every other node is cleared.
func MarkCriticalPath(nodes []*TreeNode, points []uuid.UUID) {
	marked := make(map[uuid.UUID]struct{}, len(points))
	for _, p := range points {
		marked[p] = struct{}{}
	}
	var mark func(n *TreeNode) bool
	mark = func(n *TreeNode) bool {
		critical := false
		if n.ObjectType == TreeObjectObservable {
			_, critical = marked[n.UUID]
		}
		for _, c := range n.Children {
			if mark(c) {
				critical = true
			}
		}
		n.CriticalPath = critical
		return critical
	}
	for _, n := range nodes {
		mark(n)
	}
}

// WalkTree visits nodes in pre-order with their depth (top level is 0).
func WalkTree(nodes []*TreeNode, fn func(n *TreeNode, depth int)) {
	var walk func(n *TreeNode, depth int)
	walk = func(n *TreeNode, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, n := range nodes {
		walk(n, 0)
	}
}
