package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexorch/apex/internal/store"
)

func taskAt(id string, priority store.Priority, created time.Time) *store.Task {
	return &store.Task{ID: id, Priority: priority, CreatedAt: created}
}

func TestDispatchQueueOrdersByPriorityThenCreatedAtThenID(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*store.Task{
		taskAt("c", store.PriorityNormal, base),
		taskAt("a", store.PriorityUrgent, base.Add(time.Minute)),
		taskAt("b", store.PriorityUrgent, base),
		taskAt("d", store.PriorityLow, base),
	}

	q := newDispatchQueue(tasks)
	require.Equal(t, 4, q.Len())

	var order []string
	for q.Len() > 0 {
		order = append(order, q.Pop().ID)
	}

	require.Equal(t, []string{"b", "a", "c", "d"}, order)
}

func TestDispatchQueuePopEmptyReturnsNil(t *testing.T) {
	q := newDispatchQueue(nil)
	require.Nil(t, q.Pop())
}
