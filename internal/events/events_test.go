package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindTaskAccepted, At: time.Now().UTC(), Data: TaskAccepted{TaskID: "t1"}})

	select {
	case ev := <-ch:
		assert.Equal(t, KindTaskAccepted, ev.Kind)
		payload, ok := ev.Data.(TaskAccepted)
		require.True(t, ok)
		assert.Equal(t, "t1", payload.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestBus_UnsubscribedChannelReceivesNothingAfterUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindLoadWarning, At: time.Now().UTC(), Data: LoadWarning{QueueDepth: 5}})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_MultipleSubscribersAllReceive(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Kind: KindReportReady, At: time.Now().UTC(), Data: ReportReady{ReportID: "r1"}})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindReportReady, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestBus_CloseClosesAllSubscriberChannels(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()

	b.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscriber channel to be closed")
	}
}
