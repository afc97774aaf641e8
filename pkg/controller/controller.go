// Package controller implements the Controller (C13): the fixed-cadence
// tree loop that drives an Agent hierarchy. One process runs every level
// of the local tree, one goroutine per level standing in for the "one OS
// thread per level" scheduling model (spec §5); levels exchange sample
// and policy rows through mutex-guarded bridges rather than channels, so
// a slower level is never blocked producing for a faster one — it just
// republishes its last row.
//
// A single controller process models one node's local tree (e.g. core
// leaves feeding a package interior feeding a board root); fanning a
// policy out across separate compute nodes is a transport concern this
// package does not implement, same as the rest of the cluster-wide MPI
// integration glue spec.md excludes.
package controller

import (
	"context"
	"errors"
	"sync"

	"geopm/pkg/agent"
)

// PolicySource is the root level's source of policy updates — narrows
// endpoint.User to the one call the Controller needs.
type PolicySource interface {
	ReadPolicy(values []float64) error
}

// SampleSink is where the root level publishes its aggregated sample —
// narrows endpoint.User to the one call the Controller needs.
type SampleSink interface {
	WriteSample(values []float64) error
}

// bridge carries one row of doubles per node of the level on its
// producing side, each row guarded by the same mutex; a level only ever
// writes its own row and only ever reads rows belonging to its children,
// so contention is limited to snapshotting.
type bridge struct {
	mu   sync.Mutex
	rows [][]float64
}

func newBridge(numRows, width int) *bridge {
	rows := make([][]float64, numRows)
	for i := range rows {
		rows[i] = make([]float64, width)
	}
	return &bridge{rows: rows}
}

func (b *bridge) set(index int, row []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.rows[index], row)
}

func (b *bridge) setRange(start int, rows [][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, row := range rows {
		copy(b.rows[start+i], row)
	}
}

func (b *bridge) get(index int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.rows[index]))
	copy(out, b.rows[index])
	return out
}

func (b *bridge) getRange(start, count int) [][]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]float64, count)
	for i := range out {
		out[i] = append([]float64(nil), b.rows[start+i]...)
	}
	return out
}

// level is one tier of the tree: numNodes independent instances of the
// same Agent type, each owning one row of the level's outgoing sample
// bridge and one row of its incoming policy bridge.
type level struct {
	nodes    []agent.Agent
	fanIn    int // children each node has (0 for leaves)
	isRoot   bool
	sampleUp *bridge // this level's own produced samples, read by its parent
	policyIn *bridge // this level's incoming policy, one row per node
}

// Tree is the assembled controller: a stack of levels plus the bridges
// connecting adjacent ones, leaf (index 0) to root (last index).
type Tree struct {
	levels        []*level
	sampleBridges []*bridge // sampleBridges[i] is level i's sampleUp, also levels[i].sampleUp
	policyBridges []*bridge // policyBridges[i] is level i's policyIn, also levels[i].policyIn

	platform     agent.Platform
	policySource PolicySource
	sampleSink   SampleSink

	policyWidth int
}

// NewTree builds an N-level tree from branching, where branching[i] is
// the number of level-i children each level-(i+1) node has. Level 0 is
// the leaf; the root has exactly one node. agentFactory constructs one
// Agent instance per tree node; all nodes share the same underlying
// platform (today's drivers expose one domain index per signal, so
// every node currently pushes the same handles — widening that to
// distinct per-node domain indices is future work noted in DESIGN.md).
func NewTree(agentFactory func() agent.Agent, platform agent.Platform, policySource PolicySource, sampleSink SampleSink, branching []int) (*Tree, error) {
	numLevels := len(branching) + 1
	numNodes := make([]int, numLevels)
	numNodes[numLevels-1] = 1
	for i := numLevels - 2; i >= 0; i-- {
		numNodes[i] = numNodes[i+1] * branching[i]
	}

	probe := agentFactory()
	sampleWidth := len(probe.SampleNames())
	policyWidth := len(probe.PolicyNames())

	t := &Tree{platform: platform, policySource: policySource, sampleSink: sampleSink, policyWidth: policyWidth}
	t.sampleBridges = make([]*bridge, numLevels)
	t.policyBridges = make([]*bridge, numLevels)
	for i := 0; i < numLevels; i++ {
		t.sampleBridges[i] = newBridge(numNodes[i], sampleWidth)
		t.policyBridges[i] = newBridge(numNodes[i], policyWidth)
	}

	t.levels = make([]*level, numLevels)
	for l := 0; l < numLevels; l++ {
		fanIn := 0
		if l > 0 {
			fanIn = branching[l-1]
		}
		isRoot := l == numLevels-1
		nodes := make([]agent.Agent, numNodes[l])
		for n := range nodes {
			a := agentFactory()
			if err := a.Init(platform, l, fanIn, isRoot && n == 0); err != nil {
				return nil, err
			}
			nodes[n] = a
		}
		t.levels[l] = &level{
			nodes:    nodes,
			fanIn:    fanIn,
			isRoot:   isRoot,
			sampleUp: t.sampleBridges[l],
			policyIn: t.policyBridges[l],
		}
	}
	return t, nil
}

// Run drives every level's tick loop until ctx is cancelled, returning
// once all level goroutines have exited.
func (t *Tree) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(t.levels))
	for i, lvl := range t.levels {
		wg.Add(1)
		go func(idx int, l *level) {
			defer wg.Done()
			errs[idx] = t.runLevel(ctx, idx, l)
		}(i, lvl)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (t *Tree) runLevel(ctx context.Context, idx int, l *level) error {
	isLeaf := idx == 0
	childSamples := (*bridge)(nil)
	if !isLeaf {
		childSamples = t.sampleBridges[idx-1]
	}
	childPolicy := (*bridge)(nil)
	if !isLeaf {
		childPolicy = t.policyBridges[idx-1]
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		writeBatch := false
		for n, a := range l.nodes {
			if isLeaf {
				policyRow := l.policyIn.get(n)
				if err := a.AdjustPlatform(policyRow); err != nil {
					return err
				}
				if a.DoWriteBatch() {
					writeBatch = true
				}
				sample := make([]float64, len(a.SampleNames()))
				if err := a.SamplePlatform(sample); err != nil {
					return err
				}
				l.sampleUp.set(n, sample)
			} else {
				children := childSamples.getRange(n*l.fanIn, l.fanIn)
				agg := make([]float64, len(a.SampleNames()))
				if err := a.AggregateSample(children, agg); err != nil {
					return err
				}
				if a.DoSendSample() {
					l.sampleUp.set(n, agg)
					if l.isRoot && t.sampleSink != nil {
						_ = t.sampleSink.WriteSample(agg)
					}
				}

				var inPolicy []float64
				if l.isRoot {
					inPolicy = make([]float64, len(a.PolicyNames()))
					if t.policySource != nil {
						if err := t.policySource.ReadPolicy(inPolicy); err != nil {
							return err
						}
					}
					validated, err := a.ValidatePolicy(inPolicy)
					if err != nil {
						return err
					}
					inPolicy = validated
				} else {
					inPolicy = l.policyIn.get(n)
				}
				childOut := make([][]float64, l.fanIn)
				for c := range childOut {
					childOut[c] = make([]float64, t.policyWidth)
				}
				if err := a.SplitPolicy(inPolicy, childOut); err != nil {
					return err
				}
				if a.DoSendPolicy() {
					childPolicy.setRange(n*l.fanIn, childOut)
				}
			}
		}

		if isLeaf && writeBatch {
			if err := t.platform.WriteBatch(); err != nil {
				return err
			}
		}

		waiter := l.nodes[0]
		if err := waiter.Wait(ctx); err != nil {
			return err
		}
	}
}
