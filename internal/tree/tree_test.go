package tree

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/queue"
)

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

func testConfig() Config {
	return Config{
		Strategy:              queue.BestFirst,
		AbsoluteGap:           1e-6,
		RelativeGap:           0,
		Granularity:           1e-6,
		UnconditionalDiveProb: 0,
		DiveThreshold:         0.05,
	}
}

func seeded(t *testing.T) *Tree {
	t.Helper()
	tr := New(testConfig())
	root, err := tr.Seed(0, &desc.Description{}, 10)
	require.NoError(t, err)
	require.Equal(t, Root, root.ID)
	require.NoError(t, tr.CheckInvariants())
	return tr
}

func TestTree_SeedAndActivate(t *testing.T) {
	tr := seeded(t)

	n, skipped := tr.PopEligible(Phase{})
	require.NotNil(t, n)
	assert.Empty(t, skipped)
	assert.Equal(t, Root, n.ID)
	assert.Equal(t, Candidate, n.Status)

	require.NoError(t, tr.MarkActive(n.ID, 3))
	assert.Equal(t, Active, tr.Get(Root).Status)
	assert.Equal(t, 0, tr.QueueLen())
	require.NoError(t, tr.CheckInvariants())

	// Activating twice is rejected.
	assert.ErrorIs(t, tr.MarkActive(n.ID, 4), ErrBadTransition)
}

func TestTree_BranchBestFirst(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))

	children, err := tr.Branch(Root, nil, 0, 0, []Child{
		{Quality: 5.0, LowerBound: 5.0},
		{Quality: 2.0, LowerBound: 2.0},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, Processed, tr.Get(Root).Status)
	assert.Equal(t, 1, children[0].Depth)
	require.NoError(t, tr.CheckInvariants())

	n, _ := tr.PopEligible(Phase{})
	require.NotNil(t, n)
	assert.Equal(t, 2.0, n.Quality)
	assert.Equal(t, children[1].ID, n.ID)
}

func TestTree_PopEligibleSkipsOverBound(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	_, err := tr.Branch(Root, nil, 0, 0, []Child{
		{Quality: 1, LowerBound: 1},
		{Quality: 2, LowerBound: 9.9999999},
		{Quality: 3, LowerBound: 4},
	})
	require.NoError(t, err)
	tr.SetUpperBound(10)

	// Quality order is 1, 2, 3; the second is over bound but queued behind 1.
	n, skipped := tr.PopEligible(Phase{Certified: true})
	require.NotNil(t, n)
	assert.Empty(t, skipped)
	require.NoError(t, tr.MarkActive(n.ID, 1))
	require.NoError(t, tr.Resolve(n.ID, PrunedInfeasible, 0))

	n, skipped = tr.PopEligible(Phase{Certified: true})
	require.NotNil(t, n)
	assert.Equal(t, 4.0, n.LowerBound)
	require.Len(t, skipped, 1)
	assert.Equal(t, PrunedOverBound, skipped[0].Status)
	require.NoError(t, tr.CheckInvariants())
}

func TestTree_OverBoundDeferredWhenUncertified(t *testing.T) {
	tr := seeded(t)
	tr.SetUpperBound(0)

	n, skipped := tr.PopEligible(Phase{Certified: false})
	assert.Nil(t, n)
	require.Len(t, skipped, 1)
	assert.Equal(t, NextPhaseOverBound, skipped[0].Status)
	require.NoError(t, tr.CheckInvariants())

	assert.Equal(t, 1, tr.NextPhaseLen())
	assert.Equal(t, 1, tr.PromoteNextPhase())
	assert.Equal(t, Candidate, tr.Get(Root).Status)
	require.NoError(t, tr.CheckInvariants())

	// A phase that prices over-bound nodes dispatches it.
	n, skipped = tr.PopEligible(Phase{PriceOverBound: true})
	require.NotNil(t, n)
	assert.Empty(t, skipped)
}

func TestTree_NeverDispatchesOverBound(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	var kids []Child
	for i := 0; i < 20; i++ {
		kids = append(kids, Child{Quality: float64(i), LowerBound: float64(i)})
	}
	_, err := tr.Branch(Root, nil, 0, 0, kids)
	require.NoError(t, err)
	tr.SetUpperBound(10)

	for {
		n, _ := tr.PopEligible(Phase{Certified: true})
		if n == nil {
			break
		}
		assert.Less(t, n.LowerBound, tr.UpperBound()-testConfig().Granularity)
		require.NoError(t, tr.MarkActive(n.ID, 1))
		require.NoError(t, tr.Resolve(n.ID, PrunedDiscarded, n.LowerBound))
		require.NoError(t, tr.CheckInvariants())
	}
}

func TestTree_Requeue(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 2))
	require.NoError(t, tr.Requeue(Root))

	n := tr.Get(Root)
	assert.Equal(t, Candidate, n.Status)
	assert.Zero(t, n.Worker)
	assert.Equal(t, 1, tr.QueueLen())
	assert.Equal(t, 1, tr.Stats().Requeued)
	require.NoError(t, tr.CheckInvariants())

	assert.ErrorIs(t, tr.Requeue(Root), ErrBadTransition)
}

func TestTree_ShouldDive(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	children, err := tr.Branch(Root, nil, 0, 0, []Child{
		{Quality: 10, LowerBound: 10},
		{Quality: 20, LowerBound: 20},
	})
	require.NoError(t, err)

	// Queue best is 10: a child of quality 10.4 is within 5%.
	assert.True(t, tr.ShouldDive(&Node{Quality: 10.4}, fixedRand(0.9)))
	assert.False(t, tr.ShouldDive(&Node{Quality: 11}, fixedRand(0.9)))

	tr.cfg.UnconditionalDiveProb = 0.5
	assert.True(t, tr.ShouldDive(&Node{Quality: 11}, fixedRand(0.1)))

	// Over-bound children never dive.
	tr.SetUpperBound(5)
	assert.False(t, tr.ShouldDive(&Node{Quality: 1, LowerBound: 6}, fixedRand(0)))

	// Empty queue: always dive.
	for _, c := range children {
		require.NoError(t, tr.MarkActive(c.ID, 1))
	}
	tr.upperBound = math.Inf(1)
	assert.True(t, tr.ShouldDive(&Node{Quality: 100}, fixedRand(1)))
}

func TestTree_LowerBound(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	_, err := tr.Branch(Root, nil, 0, 3, []Child{
		{Quality: 7, LowerBound: 7},
		// Looser than its parent: tolerated.
		{Quality: 2, LowerBound: 2},
	})
	require.NoError(t, err)
	tr.SetUpperBound(8)
	assert.Equal(t, 2.0, tr.LowerBound())
}

func TestTree_TrimNonMonotone(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	kids, err := tr.Branch(Root, nil, 0, 5, []Child{
		{Quality: 12, LowerBound: 12},
		{Quality: 11, LowerBound: 11},
	})
	require.NoError(t, err)
	a, b := kids[0], kids[1]

	// Expand a: one grandchild has a bound looser than a (non-monotone).
	require.NoError(t, tr.MarkActive(a.ID, 1))
	grand, err := tr.Branch(a.ID, nil, 0, 12, []Child{
		{Quality: 13, LowerBound: 13},
		{Quality: 4, LowerBound: 4},
	})
	require.NoError(t, err)
	require.NoError(t, tr.SetRemote(grand[0].ID, 9))

	// Expand b: both grandchildren above the bound, one of them remote.
	require.NoError(t, tr.MarkActive(b.ID, 1))
	grandB, err := tr.Branch(b.ID, nil, 0, 11, []Child{
		{Quality: 15, LowerBound: 15},
		{Quality: 16, LowerBound: 16},
	})
	require.NoError(t, err)
	require.NoError(t, tr.SetRemote(grandB[1].ID, 9))

	tr.SetUpperBound(10)
	res := tr.Trim()

	// a's subtree survives because of the lb=4 grandchild; b's goes entirely.
	assert.NotNil(t, tr.Get(a.ID))
	assert.NotNil(t, tr.Get(grand[1].ID))
	assert.Nil(t, tr.Get(b.ID))
	removed := make([]NodeID, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		removed = append(removed, n.ID)
	}
	// grand[0] goes on its own even though its parent stays.
	assert.Nil(t, tr.Get(grand[0].ID))
	assert.ElementsMatch(t, []NodeID{b.ID, grandB[0].ID, grandB[1].ID, grand[0].ID}, removed)
	assert.ElementsMatch(t, []NodeID{grand[0].ID, grandB[1].ID}, res.Remote[9])
	assert.Equal(t, []NodeID{grand[1].ID}, tr.Get(a.ID).Children)
	require.NoError(t, tr.CheckInvariants())
}

func TestTree_TrimKeepsActive(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	tr.SetUpperBound(-1)
	res := tr.Trim()
	assert.Empty(t, res.Nodes)
	assert.NotNil(t, tr.Get(Root))
}

func TestTree_Chain(t *testing.T) {
	tr := seeded(t)
	require.NoError(t, tr.MarkActive(Root, 1))
	kids, err := tr.Branch(Root, nil, 0, 0, []Child{{Quality: 1, Desc: &desc.Description{}}})
	require.NoError(t, err)
	require.NoError(t, tr.SetRemote(Root, 7))

	chain, err := tr.Chain(kids[0].ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, Root, chain[1].ID)

	descs, err := tr.Descriptions(kids[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, descs[0])
	assert.Nil(t, descs[1])
}
