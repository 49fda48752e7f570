package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	timeout := time.After(time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("只收到 %d/%d 个事件", len(events), n)
		}
	}
	return events
}

func TestBus_ConnectedOnlyToNewHandle(t *testing.T) {
	bus := New(Options{})
	first := bus.Subscribe("m1")
	evs := drain(t, first, 1)
	assert.Equal(t, EventConnected, evs[0].Type)
	assert.Equal(t, "m1", evs[0].SubjectID)

	second := bus.Subscribe("m1")
	drain(t, second, 1)

	select {
	case ev := <-first.Events():
		t.Fatalf("已有订阅者不应收到事件: %v", ev.Type)
	default:
	}
	assert.Equal(t, 2, bus.SubscriberCount("m1"))
}

func TestBus_PublishOrder(t *testing.T) {
	bus := New(Options{Buffer: 128})
	sub := bus.Subscribe("m1")
	other := bus.Subscribe("m2")
	drain(t, sub, 1)
	drain(t, other, 1)

	for i := 0; i < 50; i++ {
		bus.Publish("m1", EventProgress, map[string]any{"n": i})
	}

	evs := drain(t, sub, 50)
	for i, ev := range evs {
		assert.Equal(t, EventProgress, ev.Type)
		assert.Equal(t, i, ev.Payload["n"])
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("其他主题不应收到事件: %v", ev)
	default:
	}
}

func TestBus_NoSubscribersIsNoop(t *testing.T) {
	bus := New(Options{})
	bus.Publish("nobody", EventProgress, map[string]any{"percent": 10})

	late := bus.Subscribe("nobody")
	evs := drain(t, late, 1)
	assert.Equal(t, EventConnected, evs[0].Type)

	select {
	case ev := <-late.Events():
		t.Fatalf("迟到的订阅者不应收到历史事件: %v", ev)
	default:
	}
}

func TestBus_SlowSubscriberRemovedAlone(t *testing.T) {
	bus := New(Options{Buffer: 2})
	slow := bus.Subscribe("m1")
	fast := bus.Subscribe("m1")
	drain(t, fast, 1)

	// slow 的缓冲里已有 connected，再写两条后溢出
	bus.Publish("m1", EventProgress, map[string]any{"n": 1})
	drain(t, fast, 1)
	bus.Publish("m1", EventProgress, map[string]any{"n": 2})
	drain(t, fast, 1)

	assert.Equal(t, 1, bus.SubscriberCount("m1"))

	// slow 的通道已关闭，读完缓冲后结束
	var got []Event
	for ev := range slow.Events() {
		got = append(got, ev)
	}
	assert.Len(t, got, 2)

	bus.Publish("m1", EventStageComplete, map[string]any{"stage": "extract"})
	evs := drain(t, fast, 1)
	assert.Equal(t, EventStageComplete, evs[0].Type)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := New(Options{})
	sub := bus.Subscribe("m1")
	sub.Close()
	sub.Close()

	assert.Equal(t, 0, bus.SubscriberCount("m1"))
	bus.Publish("m1", EventProgress, nil)

	_, ok := <-sub.Events()
	require.True(t, ok) // connected 仍在缓冲中
	_, ok = <-sub.Events()
	assert.False(t, ok)
}

func TestBus_Close(t *testing.T) {
	bus := New(Options{})
	sub := bus.Subscribe("m1")
	bus.Close()

	drain(t, sub, 1)
	_, ok := <-sub.Events()
	assert.False(t, ok)

	after := bus.Subscribe("m1")
	_, ok = <-after.Events()
	assert.False(t, ok)
	sub.Close()
}
