package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePushBound(t *testing.T) {
	q := newRequestQueue(2)
	dl := time.Now().Add(time.Minute)

	w1 := q.push(dl)
	require.NotNil(t, w1)
	w2 := q.push(dl)
	require.NotNil(t, w2)
	require.Nil(t, q.push(dl))
	require.Equal(t, 2, q.depth())

	q.remove(w1)
	require.Equal(t, 1, q.depth())
	require.NotNil(t, q.push(dl))
}

func TestQueueDisabled(t *testing.T) {
	q := newRequestQueue(0)
	require.Nil(t, q.push(time.Now().Add(time.Minute)))
}

func TestQueueWakeFIFO(t *testing.T) {
	q := newRequestQueue(4)
	dl := time.Now().Add(time.Minute)

	w1 := q.push(dl)
	w2 := q.push(dl)

	q.wakeNext(time.Now())
	select {
	case <-w1.ready:
	default:
		t.Fatal("oldest waiter was not woken first")
	}
	select {
	case <-w2.ready:
		t.Fatal("second waiter woken out of turn")
	default:
	}

	q.wakeNext(time.Now())
	select {
	case <-w2.ready:
	default:
		t.Fatal("second waiter was not woken")
	}
	require.Equal(t, 0, q.depth())
}

func TestQueueWakeSkipsExpired(t *testing.T) {
	q := newRequestQueue(4)
	now := time.Now()

	expired := q.push(now.Add(-time.Second))
	fresh := q.push(now.Add(time.Minute))

	q.wakeNext(now)
	select {
	case <-expired.ready:
		t.Fatal("expired waiter should have been dropped, not woken")
	default:
	}
	select {
	case <-fresh.ready:
	default:
		t.Fatal("fresh waiter was not woken")
	}
	require.Equal(t, 0, q.depth())
}

func TestQueueWakeEmptyIsNoop(t *testing.T) {
	q := newRequestQueue(4)
	q.wakeNext(time.Now())
	require.Equal(t, 0, q.depth())
}

func TestQueueRemoveReportsConsumedWakeup(t *testing.T) {
	q := newRequestQueue(4)
	dl := time.Now().Add(time.Minute)

	a := q.push(dl)
	b := q.push(dl)

	// A still-queued waiter removes cleanly.
	require.True(t, q.remove(b))

	b = q.push(dl)
	q.wakeNext(time.Now())
	select {
	case <-a.ready:
	default:
		t.Fatal("oldest waiter was not woken")
	}

	// The wakeup already popped a; its removal must report that so the
	// abandoning caller can forward the signal.
	require.False(t, q.remove(a))
	q.wakeNext(time.Now())
	select {
	case <-b.ready:
	default:
		t.Fatal("forwarded wakeup did not reach the next waiter")
	}
}
