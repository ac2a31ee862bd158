package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu            sync.Mutex
	subscribed    []string
	unsubscribed  []string
	failSubscribe bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic string, _ func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubscribe {
		return assertErr("boom")
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestAddSubscribesNonCustomBinding(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(sub, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})

	b := &Binding{Key: "D1", DownTopic: "/devices/D1/sys/messages/down"}
	require.NoError(t, r.Add(context.Background(), b))

	assert.Equal(t, []string{"/devices/D1/sys/messages/down"}, sub.subscribed)
	got, ok := r.Lookup("D1")
	assert.True(t, ok)
	assert.Same(t, b, got)
}

func TestAddDoesNotSubscribeCustomBinding(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(sub, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})

	b := &Binding{Key: "custom1", IsCustom: true}
	require.NoError(t, r.Add(context.Background(), b))

	assert.Empty(t, sub.subscribed)
}

func TestUpdateResubscribesOnDownTopicChange(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(sub, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})

	b := &Binding{Key: "D1", DownTopic: "/devices/D1/sys/messages/down"}
	require.NoError(t, r.Add(context.Background(), b))

	updated := &Binding{Key: "D1", DownTopic: "/devices/D1-new/sys/messages/down"}
	require.NoError(t, r.Update(context.Background(), updated))

	assert.Equal(t, []string{"/devices/D1/sys/messages/down"}, sub.unsubscribed)
	assert.Equal(t, []string{"/devices/D1/sys/messages/down", "/devices/D1-new/sys/messages/down"}, sub.subscribed)
}

func TestDeleteUnsubscribesNonCustomBinding(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(sub, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})

	b := &Binding{Key: "D1", DownTopic: "/devices/D1/sys/messages/down"}
	require.NoError(t, r.Add(context.Background(), b))
	require.NoError(t, r.Delete(context.Background(), "D1"))

	assert.Equal(t, []string{"/devices/D1/sys/messages/down"}, sub.unsubscribed)
	_, ok := r.Lookup("D1")
	assert.False(t, ok)
}

func TestEnsureReturnsExistingBindingWithoutResubscribing(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(sub, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})

	original := &Binding{Key: "D1", DownTopic: "/devices/D1/sys/messages/down"}
	require.NoError(t, r.Add(context.Background(), original))

	other := &Binding{Key: "D1", DownTopic: "/devices/D1/sys/messages/down"}
	got, err := r.Ensure(context.Background(), "D1", other)
	require.NoError(t, err)

	assert.Same(t, original, got)
	assert.Len(t, sub.subscribed, 1)
}

func TestWithStateIsAtomic(t *testing.T) {
	b := &Binding{Key: "D1"}
	b.WithState(func(s *State) { s.Downloading = true })
	assert.True(t, b.Snapshot().Downloading)
}

func TestCustomKeyFormat(t *testing.T) {
	assert.Equal(t, "/opt/app/main.py", CustomKey("/opt/app", "main.py"))
}
