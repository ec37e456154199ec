package api

import (
    "testing"
    "time"
)

func TestBrokerFanout(t *testing.T) {
    b := NewBroker()
    ch1 := b.Subscribe("t1")
    ch2 := b.Subscribe("t1")
    other := b.Subscribe("t2")
    b.Publish("t1", SSEEvent{Type: "request.created"})
    for i, ch := range []chan SSEEvent{ch1, ch2} {
        select {
        case evt := <-ch:
            if evt.Type != "request.created" { t.Fatalf("sub %d: got %q", i, evt.Type) }
        case <-time.After(100 * time.Millisecond):
            t.Fatalf("sub %d: no event", i)
        }
    }
    select {
    case evt := <-other:
        t.Fatalf("t2 subscriber got t1 event: %+v", evt)
    default:
    }
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
    b := NewBroker()
    ch := b.Subscribe("t1")
    b.Unsubscribe("t1", ch)
    if _, ok := <-ch; ok { t.Fatal("channel should be closed") }
    // publishing to a topic with no subscribers must not panic
    b.Publish("t1", SSEEvent{Type: "request.created"})
}

func TestBrokerDropsWhenFull(t *testing.T) {
    b := NewBroker()
    ch := b.Subscribe("t1")
    for i := 0; i < 20; i++ {
        b.Publish("t1", SSEEvent{Type: "request.updated"})
    }
    // buffered at 8; the rest are dropped, publisher never blocks
    n := 0
    for {
        select {
        case <-ch:
            n++
            continue
        default:
        }
        break
    }
    if n != 8 { t.Fatalf("buffered = %d, want 8", n) }
}
