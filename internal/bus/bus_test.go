package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("job")
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobQueued, JobEvent{JobID: "j1", NewStatus: "queued"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicJobQueued {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicJobQueued)
		}
		payload, ok := event.Payload.(JobEvent)
		if !ok {
			t.Fatalf("payload type = %T, want JobEvent", event.Payload)
		}
		if payload.JobID != "j1" {
			t.Fatalf("job id = %q, want j1", payload.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	jobSub := b.Subscribe("job.")
	defer b.Unsubscribe(jobSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicJobStarted, JobEvent{JobID: "j1"})
	b.Publish(TopicSchedulerPassStarted, SchedulerEvent{Trigger: "portfolio_review"})

	// jobSub should receive job.started but not scheduler.pass_started.
	select {
	case event := <-jobSub.Ch():
		if event.Topic != TopicJobStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicJobStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for job event")
	}

	select {
	case event := <-jobSub.Ch():
		t.Fatalf("unexpected event on jobSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("job")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity; Publish must never block.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicJobQueued, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("drained %d events, want %d", count, defaultBufferSize)
			}
			return
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicActionRecorded, ActionEvent{JobID: "j1"})
		}()
	}
	wg.Wait()

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained != 10 {
				t.Fatalf("drained %d events, want 10", drained)
			}
			return
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("job")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)
}
