package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionOf(t *testing.T) {
	pt := NewPartitionTable(3, 0, nil)
	// Spec §8 property 2: for P=3, OIDs 1/2/3 map to partitions 1/2/0.
	assert.Equal(t, 1, pt.PartitionOf(1))
	assert.Equal(t, 2, pt.PartitionOf(2))
	assert.Equal(t, 0, pt.PartitionOf(3))
}

func TestGetCellsForIDFiltersByRequirement(t *testing.T) {
	pt := NewPartitionTable(1, 1, nil)
	n1, n2, n3, n4 := NewUUID(), NewUUID(), NewUUID(), NewUUID()
	require.NoError(t, pt.SetCell(0, n1, CellUpToDate))
	require.NoError(t, pt.SetCell(0, n2, CellOutOfDate))
	require.NoError(t, pt.SetCell(0, n3, CellFeeding))
	require.NoError(t, pt.SetCell(0, n4, CellDiscarded))

	readableCells := pt.GetCellsForID(0, true, false)
	assert.Len(t, readableCells, 2) // n1 (up-to-date), n3 (feeding)

	writableCells := pt.GetCellsForID(0, false, true)
	assert.Len(t, writableCells, 3) // everything but discarded
}

func TestSetCellDiscardedRemoves(t *testing.T) {
	pt := NewPartitionTable(1, 0, nil)
	n1 := NewUUID()
	require.NoError(t, pt.SetCell(0, n1, CellUpToDate))
	require.NoError(t, pt.SetCell(0, n1, CellDiscarded))
	assert.Empty(t, pt.GetCellsForID(0, false, true))
}

func TestOperationalRequiresEveryPartitionCovered(t *testing.T) {
	nodes := NewNodeManager()
	n1 := &Node{UUID: NewUUID(), Role: RoleStorage, State: StateRunning}
	nodes.Upsert(n1)

	pt := NewPartitionTable(2, 0, nodes)
	require.NoError(t, pt.SetCell(0, n1.UUID, CellUpToDate))
	assert.False(t, pt.Operational(), "partition 1 has no cell yet")

	require.NoError(t, pt.SetCell(1, n1.UUID, CellUpToDate))
	assert.True(t, pt.Operational())

	nodes.SetState(n1.UUID, StateDown)
	assert.False(t, pt.Operational(), "dropping the only storage of a partition must break operational status")
}

func TestLoadRejectsDuplicatePartitionRow(t *testing.T) {
	pt := NewPartitionTable(2, 0, nil)
	n1 := NewUUID()
	err := pt.Load(5, []Row{
		{Partition: 0, Cells: []Cell{{NodeID: n1, State: CellUpToDate}}},
		{Partition: 0, Cells: []Cell{{NodeID: n1, State: CellUpToDate}}},
	})
	require.Error(t, err, "duplicate partition row within one load must fail")
}

func TestLoadDropsStalePTID(t *testing.T) {
	pt := NewPartitionTable(1, 0, nil)
	n1 := NewUUID()
	require.NoError(t, pt.Load(10, []Row{{Partition: 0, Cells: []Cell{{NodeID: n1, State: CellUpToDate}}}}))
	// A second Load with the same ptid and an already-filled table is a no-op.
	require.NoError(t, pt.Load(10, nil))
	assert.Len(t, pt.GetCellsForID(0, false, true), 1)
}

func TestUpdateIgnoresStalePTID(t *testing.T) {
	pt := NewPartitionTable(1, 0, nil)
	n1, n2 := NewUUID(), NewUUID()
	pt.Update(5, []Row{{Partition: 0, Cells: []Cell{{NodeID: n1, State: CellUpToDate}}}})
	pt.Update(3, []Row{{Partition: 0, Cells: []Cell{{NodeID: n2, State: CellUpToDate}}}})
	cells := pt.GetCellsForID(0, false, true)
	require.Len(t, cells, 1)
	assert.Equal(t, n1, cells[0].NodeID)
}

type fakeAffinity struct{ connected map[UUID]bool }

func (f fakeAffinity) IsConnected(n UUID) bool { return f.connected[n] }

func TestOrderCandidatesPrefersWarmConnections(t *testing.T) {
	warm := NewUUID()
	cold1, cold2 := NewUUID(), NewUUID()
	cells := []Cell{{NodeID: cold1}, {NodeID: warm}, {NodeID: cold2}}
	aff := fakeAffinity{connected: map[UUID]bool{warm: true}}
	ordered := OrderCandidates(cells, aff, rand.New(rand.NewSource(1)))
	require.Len(t, ordered, 3)
	assert.Equal(t, warm, ordered[0].NodeID, "warm connection must sort first")
}
