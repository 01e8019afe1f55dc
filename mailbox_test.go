package gosocketio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxRunsInOrder(t *testing.T) {
	m := newMailbox()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, m.push(func() { got = append(got, i) }))
	}
	m.close()

	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("mailbox did not drain")
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxSelfEnqueue(t *testing.T) {
	m := newMailbox()
	defer m.close()

	var wg sync.WaitGroup
	wg.Add(2)
	var order []string

	m.push(func() {
		order = append(order, "outer")
		m.push(func() {
			order = append(order, "inner")
			wg.Done()
		})
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task enqueued from a task never ran")
	}
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestMailboxRejectsAfterClose(t *testing.T) {
	m := newMailbox()
	m.close()

	assert.False(t, m.push(func() {}))

	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("closed mailbox did not stop")
	}
}
