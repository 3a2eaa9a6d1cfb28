package events

import (
	"testing"

	"github.com/mazuadm/mazuadm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory(t *testing.T) {
	tests := []struct {
		eventType string
		expected  string
	}{
		{"exploit_run_created", "exploit_run"},
		{"exploit_created", "exploit"},
		{"job_updated", "job"},
		{"a_b_c", "a_b"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.expected, Category(tt.eventType))
		})
	}
}

func TestSubscriptionMatches(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe([]string{"exploit"})

	// "exploit" matches both the exploit category and its sub-categories
	assert.True(t, sub.Matches("exploit_created"))
	assert.True(t, sub.Matches("exploit_run_created"))
	assert.False(t, sub.Matches("job_created"))

	// "a" matches a_x and a_b_x
	sub2 := bus.Subscribe([]string{"a"})
	assert.True(t, sub2.Matches("a_x"))
	assert.True(t, sub2.Matches("a_b_x"))
	assert.False(t, sub2.Matches("ab_x"))
}

func TestNilFilterMatchesAll(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)

	assert.True(t, sub.Matches("exploit_run_created"))
	assert.True(t, sub.Matches("anything"))
}

func TestPublishDeliversOnlyMatching(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe([]string{"exploit_run"})
	defer bus.Unsubscribe(sub)

	bus.Publish("exploit_run_created", 1)
	bus.Publish("exploit_created", 2)
	bus.Publish("job_created", 3)

	require.Len(t, sub.C(), 1)
	msg := <-sub.C()
	assert.Equal(t, "exploit_run_created", msg.Type)
	assert.Equal(t, 1, msg.Data)
}

func TestLiveFilterUpdates(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe([]string{"job"})
	defer bus.Unsubscribe(sub)

	sub.Add([]string{"flag"})
	bus.Publish("flag_created", nil)
	assert.Len(t, sub.C(), 1)
	<-sub.C()

	sub.Remove([]string{"flag"})
	bus.Publish("flag_created", nil)
	assert.Len(t, sub.C(), 0)
}

func TestSlowSubscriberGetsLaggedNotEvicted(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish("job_updated", i)
	}

	assert.True(t, sub.TakeLagged())
	assert.False(t, sub.TakeLagged())

	// Still subscribed: drain and receive fresh messages
	for len(sub.C()) > 0 {
		<-sub.C()
	}
	bus.Publish("job_updated", "fresh")
	require.Len(t, sub.C(), 1)
	msg := <-sub.C()
	assert.Equal(t, "fresh", msg.Data)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestPublishJobStripsLogs(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	stdout := "secret output"
	job := &types.ExploitJob{ID: 7, Stdout: &stdout}
	bus.PublishJob(EventJobUpdated, job)

	msg := <-sub.C()
	delivered, ok := msg.Data.(types.ExploitJob)
	require.True(t, ok)
	assert.Nil(t, delivered.Stdout)
	assert.Equal(t, int64(7), delivered.ID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	bus.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Double unsubscribe is a no-op
	bus.Unsubscribe(sub)
}
