package core

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type treeFixture struct {
	root        uuid.UUID
	analyses    []TreeAnalysisRow
	observables map[uuid.UUID]Observable
}

func newTreeFixture() *treeFixture {
	root := uuid.New()
	return &treeFixture{
		root:        root,
		analyses:    []TreeAnalysisRow{{Analysis: Analysis{UUID: root, Version: uuid.New()}}},
		observables: make(map[uuid.UUID]Observable),
	}
}

func (f *treeFixture) observable(typ, value string) uuid.UUID {
	o := Observable{UUID: uuid.New(), Version: uuid.New(), Type: typ, Value: value}
	f.observables[o.UUID] = o
	return o.UUID
}

func (f *treeFixture) addChild(analysisUUID, observableUUID uuid.UUID, sort *int) {
	for i := range f.analyses {
		if f.analyses[i].Analysis.UUID == analysisUUID {
			f.analyses[i].Children = append(f.analyses[i].Children, TreeEdge{ObservableUUID: observableUUID, Sort: sort})
			return
		}
	}
	panic("unknown analysis")
}

func (f *treeFixture) analysis(module string, target uuid.UUID, children ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	m := module
	t := target
	row := TreeAnalysisRow{Analysis: Analysis{UUID: id, Version: uuid.New(), AnalysisModuleType: &m, TargetUUID: &t}}
	for _, c := range children {
		row.Children = append(row.Children, TreeEdge{ObservableUUID: c})
	}
	f.analyses = append(f.analyses, row)
	return id
}

func (f *treeFixture) build(t *testing.T, opts TreeOptions) []*TreeNode {
	t.Helper()
	nodes, err := AssembleTree(TreeInput{RootAnalysisUUID: f.root, Analyses: f.analyses, Observables: f.observables}, opts)
	require.NoError(t, err)
	return nodes
}

func intPtr(i int) *int { return &i }

func TestAssembleTree_SimpleChain(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "127.0.0.1")
	o2 := f.observable("fqdn", "localhost")
	f.addChild(f.root, o1, nil)
	a1 := f.analysis("IP Lookup", o1, o2)

	nodes := f.build(t, TreeOptions{})

	require.Len(t, nodes, 1)
	assert.Equal(t, o1, nodes[0].UUID)
	assert.Equal(t, TreeObjectObservable, nodes[0].ObjectType)
	require.Len(t, nodes[0].Children, 1)
	assert.Equal(t, a1, nodes[0].Children[0].UUID)
	assert.Equal(t, TreeObjectAnalysis, nodes[0].Children[0].ObjectType)
	require.Len(t, nodes[0].Children[0].Children, 1)
	leaf := nodes[0].Children[0].Children[0]
	assert.Equal(t, o2, leaf.UUID)
	assert.Empty(t, leaf.Children)
	assert.True(t, nodes[0].FirstAppearance)
	assert.True(t, leaf.FirstAppearance)
	assert.Nil(t, nodes[0].JumpTo)
	assert.Nil(t, leaf.JumpTo)
}

func TestAssembleTree_CycleTerminates(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "10.0.0.1")
	o2 := f.observable("fqdn", "host.local")
	f.addChild(f.root, o1, nil)
	a1 := f.analysis("Reverse DNS", o1, o2)
	a2 := f.analysis("DNS Lookup", o2, o1)

	nodes := f.build(t, TreeOptions{})

	require.Len(t, nodes, 1)
	first := nodes[0]
	require.Len(t, first.Children, 1)
	assert.Equal(t, a1, first.Children[0].UUID)
	second := first.Children[0].Children[0]
	assert.Equal(t, o2, second.UUID)
	require.Len(t, second.Children, 1)
	assert.Equal(t, a2, second.Children[0].UUID)

	repeat := second.Children[0].Children[0]
	assert.Equal(t, o1, repeat.UUID)
	assert.Empty(t, repeat.Children)
	require.NotNil(t, repeat.JumpTo)
	assert.Equal(t, first.TreeUUID, *repeat.JumpTo)
	assert.False(t, repeat.FirstAppearance)

	expanded := map[uuid.UUID]int{}
	WalkTree(nodes, func(n *TreeNode, _ int) {
		if len(n.Children) > 0 {
			expanded[n.UUID]++
		}
	})
	for id, count := range expanded {
		assert.Equal(t, 1, count, "node %s expanded more than once", id)
	}
}

func TestAssembleTree_SelfCycle(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("url", "http://a.example")
	f.addChild(f.root, o1, nil)
	f.analysis("URL Crawl", o1, o1)

	nodes := f.build(t, TreeOptions{})

	require.Len(t, nodes, 1)
	repeat := nodes[0].Children[0].Children[0]
	require.NotNil(t, repeat.JumpTo)
	assert.Equal(t, nodes[0].TreeUUID, *repeat.JumpTo)
}

func TestAssembleTree_Completeness(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "1.1.1.1")
	o2 := f.observable("ipv4", "2.2.2.2")
	o3 := f.observable("fqdn", "one.one")
	o4 := f.observable("email", "a@b.c")
	f.addChild(f.root, o1, nil)
	f.addChild(f.root, o2, nil)
	f.analysis("DNS", o1, o3)
	f.analysis("DNS", o2, o3, o4)
	f.analysis("Whois", o3, o1)

	nodes := f.build(t, TreeOptions{})

	rendered := map[uuid.UUID]bool{}
	WalkTree(nodes, func(n *TreeNode, _ int) { rendered[n.UUID] = true })
	for _, a := range f.analyses {
		if a.Analysis.UUID == f.root {
			continue
		}
		assert.True(t, rendered[a.Analysis.UUID], "analysis %s missing", a.Analysis.UUID)
	}
	for id := range f.observables {
		assert.True(t, rendered[id], "observable %s missing", id)
	}
}

func TestAssembleTree_FirstAppearanceIsPerPosition(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "10.1.1.1")
	o2 := f.observable("ipv4", "10.2.2.2")
	shared := f.observable("fqdn", "shared.example")
	f.addChild(f.root, o1, nil)
	f.addChild(f.root, o2, nil)
	f.analysis("DNS", o1, shared)
	f.analysis("DNS", o2, shared)

	nodes := f.build(t, TreeOptions{})

	var occurrences []*TreeNode
	WalkTree(nodes, func(n *TreeNode, _ int) {
		if n.UUID == shared {
			occurrences = append(occurrences, n)
		}
	})
	require.Len(t, occurrences, 2)
	assert.True(t, occurrences[0].FirstAppearance)
	assert.False(t, occurrences[1].FirstAppearance)
	assert.NotSame(t, occurrences[0], occurrences[1])

	occurrences[1].FirstAppearance = true
	occurrences[0].FirstAppearance = false
	assert.True(t, occurrences[1].FirstAppearance)
	assert.False(t, occurrences[0].FirstAppearance)
	occurrences[0].Observable.Tags = append(occurrences[0].Observable.Tags, "mutated")
	assert.Empty(t, occurrences[1].Observable.Tags)
}

func TestAssembleTree_RepeatedSiblingsBindToTheirOwnParents(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "10.0.0.1")
	o2 := f.observable("ipv4", "10.0.0.2")
	x := f.observable("fqdn", "x.example")
	y := f.observable("fqdn", "y.example")
	f.addChild(f.root, o1, nil)
	f.addChild(f.root, o2, nil)
	a1 := f.analysis("DNS", o1, x, y, x)
	a2 := f.analysis("DNS", o2, x)
	ax := f.analysis("Whois", x)

	nodes := f.build(t, TreeOptions{})

	require.Len(t, nodes, 2)
	a1Node := nodes[0].Children[0]
	a2Node := nodes[1].Children[0]
	assert.Equal(t, a1, a1Node.UUID)
	assert.Equal(t, a2, a2Node.UUID)

	require.Len(t, a1Node.Children, 3)
	firstX := a1Node.Children[0]
	assert.Equal(t, x, firstX.UUID)
	assert.Nil(t, firstX.JumpTo)
	require.Len(t, firstX.Children, 1)
	assert.Equal(t, ax, firstX.Children[0].UUID)

	assert.Equal(t, y, a1Node.Children[1].UUID)

	secondX := a1Node.Children[2]
	assert.Equal(t, x, secondX.UUID)
	require.NotNil(t, secondX.JumpTo)
	assert.Equal(t, firstX.TreeUUID, *secondX.JumpTo)
	assert.Empty(t, secondX.Children)

	require.Len(t, a2Node.Children, 1)
	thirdX := a2Node.Children[0]
	assert.Equal(t, x, thirdX.UUID)
	require.NotNil(t, thirdX.JumpTo)
	assert.Equal(t, firstX.TreeUUID, *thirdX.JumpTo)
	assert.Empty(t, thirdX.Children)

	firsts := 0
	WalkTree(nodes, func(n *TreeNode, _ int) {
		if n.UUID == x && n.FirstAppearance {
			firsts++
		}
	})
	assert.Equal(t, 1, firsts)
}

func TestAssembleTree_SortAnnotation(t *testing.T) {
	f := newTreeFixture()
	unsorted := f.observable("file", "unsorted.txt")
	second := f.observable("file", "second.txt")
	first := f.observable("file", "first.txt")
	tied := f.observable("file", "tied.txt")
	f.addChild(f.root, unsorted, nil)
	f.addChild(f.root, second, intPtr(2))
	f.addChild(f.root, first, intPtr(1))
	f.addChild(f.root, tied, intPtr(2))

	nodes := f.build(t, TreeOptions{})

	require.Len(t, nodes, 4)
	assert.Equal(t, first, nodes[0].UUID)
	assert.Equal(t, second, nodes[1].UUID)
	assert.Equal(t, tied, nodes[2].UUID)
	assert.Equal(t, unsorted, nodes[3].UUID)
}

func TestAssembleTree_CriticalPath(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("email", "phish@example.com")
	o2 := f.observable("url", "http://bad.example")
	o3 := f.observable("url", "http://fine.example")
	o4 := f.observable("fqdn", "bad.example")
	o5 := f.observable("ipv4", "192.0.2.10")
	f.addChild(f.root, o1, nil)
	f.addChild(f.root, o5, nil)
	a1 := f.analysis("Email Parse", o1, o2, o3)
	a2 := f.analysis("URL Parse", o2, o4)

	nodes := f.build(t, TreeOptions{CriticalPoints: []uuid.UUID{o4}})

	onPath := map[uuid.UUID]bool{o1: true, a1: true, o2: true, a2: true, o4: true}
	WalkTree(nodes, func(n *TreeNode, _ int) {
		assert.Equal(t, onPath[n.UUID], n.CriticalPath, "critical_path for %s", n.UUID)
	})
}

func TestAssembleTree_CriticalPathMarksEveryOccurrence(t *testing.T) {
	f := newTreeFixture()
	o1 := f.observable("ipv4", "10.0.0.1")
	o2 := f.observable("ipv4", "10.0.0.2")
	shared := f.observable("fqdn", "shared.example")
	f.addChild(f.root, o1, nil)
	f.addChild(f.root, o2, nil)
	f.analysis("DNS", o1, shared)
	f.analysis("DNS", o2, shared)

	nodes := f.build(t, TreeOptions{CriticalPoints: []uuid.UUID{shared}})

	WalkTree(nodes, func(n *TreeNode, _ int) {
		assert.True(t, n.CriticalPath, "critical_path for %s", n.UUID)
	})

	nodes = f.build(t, TreeOptions{})
	WalkTree(nodes, func(n *TreeNode, _ int) {
		assert.False(t, n.CriticalPath)
	})
}

func TestAssembleTree_MissingRows(t *testing.T) {
	f := newTreeFixture()
	_, err := AssembleTree(TreeInput{RootAnalysisUUID: uuid.New(), Analyses: f.analyses, Observables: f.observables}, TreeOptions{})
	assert.ErrorIs(t, err, ErrUUIDNotFound)

	f.addChild(f.root, uuid.New(), nil)
	_, err = AssembleTree(TreeInput{RootAnalysisUUID: f.root, Analyses: f.analyses, Observables: f.observables}, TreeOptions{})
	assert.ErrorIs(t, err, ErrUUIDNotFound)
}

func TestAssembleTree_EmptySubmission(t *testing.T) {
	f := newTreeFixture()
	nodes := f.build(t, TreeOptions{})
	assert.NotNil(t, nodes)
	assert.Empty(t, nodes)
}
