package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	a := &Envelope{ID: "e1", Metadata: map[string]string{MetaAggregateID: "t1"}}
	b := &Envelope{ID: "e2", Metadata: map[string]string{MetaAggregateID: "t1"}}
	assert.Equal(t, "t1", a.PartitionKey())
	assert.Equal(t, Partition(a, 8), Partition(b, 8))
	assert.Equal(t, 0, Partition(a, 1))

	plain := &Envelope{ID: "e3"}
	assert.Equal(t, "e3", plain.PartitionKey())

	used := make(map[int]bool)
	for i := 0; i < 64; i++ {
		p := Partition(&Envelope{ID: fmt.Sprint(i)}, 4)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
		used[p] = true
	}
	assert.Greater(t, len(used), 1)
}
