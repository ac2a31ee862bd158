package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotali/device-agent/internal/process"
)

type fakeProcessManager struct {
	mu       sync.Mutex
	launched []process.Binding
}

func (f *fakeProcessManager) Launch(_ context.Context, _ string, b process.Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, b)
	return nil
}

type fakeSubscriber struct {
	handler func(topic string, payload []byte)
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string, handler func(string, []byte)) error {
	f.handler = handler
	return nil
}

func TestSubscribeWiresHandler(t *testing.T) {
	w := New(&fakeProcessManager{}, time.Minute)
	sub := &fakeSubscriber{}
	require.NoError(t, w.Subscribe(context.Background(), sub, "/telemetry/heartbeat"))
	assert.NotNil(t, sub.handler)
}

func TestSweepRestartsStaleBeatWithReloadCommand(t *testing.T) {
	pm := &fakeProcessManager{}
	w := New(pm, time.Millisecond)

	payload, _ := json.Marshal(map[string]any{"program": "worker", "reload_command": "python worker.py"})
	w.handle("topic", payload)

	time.Sleep(5 * time.Millisecond)
	w.Sweep(context.Background())

	require.Len(t, pm.launched, 1)
	assert.Equal(t, "python worker.py", pm.launched[0].StartCommand)
}

func TestSweepLeavesFreshBeatsAlone(t *testing.T) {
	pm := &fakeProcessManager{}
	w := New(pm, time.Minute)

	payload, _ := json.Marshal(map[string]any{"program": "worker", "reload_command": "python worker.py"})
	w.handle("topic", payload)

	w.Sweep(context.Background())

	assert.Empty(t, pm.launched)
}

func TestHandleIgnoresInvalidPayload(t *testing.T) {
	w := New(&fakeProcessManager{}, time.Minute)
	w.handle("topic", []byte("not json"))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.beats)
}

func TestHandleIgnoresEmptyProgram(t *testing.T) {
	w := New(&fakeProcessManager{}, time.Minute)
	payload, _ := json.Marshal(map[string]any{"program": ""})
	w.handle("topic", payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.beats)
}
