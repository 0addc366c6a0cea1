package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePushReplacesExistingKeyInPlace(t *testing.T) {
	q := NewQueue()
	t0 := time.Now()
	q.Push(&Item{Key: "a", Priority: 1, CreatedAt: t0})
	q.Push(&Item{Key: "b", Priority: 1, CreatedAt: t0.Add(time.Millisecond)})
	q.Push(&Item{Key: "a", Priority: 9, CreatedAt: t0.Add(2 * time.Millisecond)})

	require.Equal(t, 2, q.Len())
	items := q.Snapshot()
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].Key)
	require.Equal(t, int32(9), items[0].Priority)
}

func TestQueueRemoveDropsOnlyNamedKey(t *testing.T) {
	q := NewQueue()
	t0 := time.Now()
	q.Push(&Item{Key: "a", Priority: 1, CreatedAt: t0})
	q.Push(&Item{Key: "b", Priority: 2, CreatedAt: t0})

	q.Remove("a")

	require.Equal(t, 1, q.Len())
	items := q.Snapshot()
	require.Len(t, items, 1)
	require.Equal(t, "b", items[0].Key)
}

func TestQueueSnapshotDoesNotCorruptLiveHeapIndexes(t *testing.T) {
	q := NewQueue()
	t0 := time.Now()
	q.Push(&Item{Key: "a", Priority: 3, CreatedAt: t0})
	q.Push(&Item{Key: "b", Priority: 1, CreatedAt: t0})
	q.Push(&Item{Key: "c", Priority: 2, CreatedAt: t0})

	_ = q.Snapshot()

	// Remove/Push after a Snapshot must still operate on correct heap
	// positions; a prior bug let Snapshot's pop-drain rewrite the live
	// items' index fields.
	q.Remove("b")
	require.Equal(t, 2, q.Len())
	items := q.Snapshot()
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].Key)
	require.Equal(t, "c", items[1].Key)
}
