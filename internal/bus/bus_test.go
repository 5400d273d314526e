package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DeliversJobEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Prefix: TopicJobPrefix})
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobResult, JobEvent{JobID: "j1", Status: "running", Completed: 1, Total: 4})

	ev := recv(t, sub)
	if ev.Topic != TopicJobResult {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicJobResult)
	}
	if ev.Job.JobID != "j1" || ev.Job.Completed != 1 || ev.Job.Total != 4 {
		t.Fatalf("job = %+v", ev.Job)
	}
}

func TestBus_FilterByJobID(t *testing.T) {
	b := New()
	one := b.Subscribe(Filter{JobID: "j2"})
	all := b.Subscribe(Filter{})
	defer b.Unsubscribe(one)
	defer b.Unsubscribe(all)

	b.Publish(TopicJobStarted, JobEvent{JobID: "j1"})
	b.Publish(TopicJobCompleted, JobEvent{JobID: "j2", Status: "completed"})

	if ev := recv(t, one); ev.Job.JobID != "j2" || ev.Topic != TopicJobCompleted {
		t.Fatalf("filtered sub got %+v", ev)
	}
	expectNone(t, one)

	if ev := recv(t, all); ev.Job.JobID != "j1" {
		t.Fatalf("first event for all = %+v", ev)
	}
	if ev := recv(t, all); ev.Job.JobID != "j2" {
		t.Fatalf("second event for all = %+v", ev)
	}
}

func TestBus_FilterByPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Prefix: TopicJobCompleted})
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobStarted, JobEvent{JobID: "j1"})
	b.Publish(TopicJobCompleted, JobEvent{JobID: "j1"})

	if ev := recv(t, sub); ev.Topic != TopicJobCompleted {
		t.Fatalf("topic = %q", ev.Topic)
	}
	expectNone(t, sub)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(Filter{Buffer: 2})
	fast := b.Subscribe(Filter{})
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < 5; i++ {
		b.Publish(TopicJobResult, JobEvent{JobID: "j", Completed: i})
	}

	if got := slow.Dropped(); got != 3 {
		t.Fatalf("slow dropped = %d, want 3", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Fatalf("fast dropped = %d, want 0", got)
	}
	if ev := recv(t, slow); ev.Job.Completed != 0 {
		t.Fatalf("slow kept the wrong events: %+v", ev)
	}
	if ev := recv(t, slow); ev.Job.Completed != 1 {
		t.Fatalf("slow kept the wrong events: %+v", ev)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(TopicJobCreated, JobEvent{JobID: "after"})
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	b.Close()

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Close")
	}
	b.Unsubscribe(sub)
	b.Publish(TopicJobCreated, JobEvent{JobID: "late"})

	late := b.Subscribe(Filter{})
	if _, ok := <-late.Ch(); ok {
		t.Fatal("subscription on closed bus should start closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d after Close", b.SubscriberCount())
	}
	b.Close()
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	const publishers, each = 8, 10
	sub := b.Subscribe(Filter{Buffer: publishers * each})
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicJobResult, JobEvent{JobID: "j", Completed: i})
			}
		}()
	}
	wg.Wait()

	if n := len(sub.Ch()); n != publishers*each {
		t.Fatalf("queued %d events, want %d", n, publishers*each)
	}
	if sub.Dropped() != 0 {
		t.Fatalf("dropped %d", sub.Dropped())
	}
}
