package ota

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotali/device-agent/internal/archive"
	"github.com/iotali/device-agent/internal/downloader"
	"github.com/iotali/device-agent/internal/process"
	"github.com/iotali/device-agent/internal/registry"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies []map[string]any
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) (bool, error) {
	var body map[string]any
	_ = json.Unmarshal(payload, &body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, body)
	return true, nil
}

func (f *fakePublisher) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakePublisher) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.bodies {
		out = append(out, b["status"].(string))
	}
	return out
}

type fakeDownloader struct {
	result downloader.Result
	err    error
}

func (f *fakeDownloader) Download(_ context.Context, _, _, _ string) (downloader.Result, error) {
	return f.result, f.err
}

type fakeArchiver struct {
	extracted []string
}

func (f *fakeArchiver) Inspect(path string) (archive.Info, error) { return archive.Info{}, nil }
func (f *fakeArchiver) Extract(src, target string) error {
	f.extracted = append(f.extracted, target)
	return nil
}

type fakeProcessManager struct {
	mu       sync.Mutex
	killed   []string
	launched []string
}

func (f *fakeProcessManager) Kill(_ context.Context, matcher string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, matcher)
	return true, nil
}

func (f *fakeProcessManager) Launch(_ context.Context, workingDir string, b process.Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, workingDir)
	return nil
}

type fakeSelfUpgrade struct {
	called bool
}

func (f *fakeSelfUpgrade) Launch(_ context.Context, archivePath string, b *registry.Binding) error {
	f.called = true
	return nil
}

func newTestEngine(t *testing.T, dl Downloader, ar Archiver, pm ProcessManager, pub Publisher, su SelfUpgradeLauncher) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(noopSubscriber{}, "agent1", "/devices/agent1/sys/messages/down", func(string, []byte) {})
	fs := afero.NewMemMapFs()
	e := New(reg, dl, ar, pm, pub, fs, "/work", "IoTAgent.py", su)
	return e, reg
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(context.Context, string, func(string, []byte)) error { return nil }
func (noopSubscriber) Unsubscribe(context.Context, string) error                     { return nil }

func testBinding(key string) *registry.Binding {
	return &registry.Binding{
		Key:       key,
		Directory: "/opt/app",
		EntryName: "main.py",
		UpTopic:   "/devices/" + key + "/sys/messages/up",
		DownTopic: "/devices/" + key + "/sys/messages/down",
	}
}

func TestDownloadSuccessPublishesSequence(t *testing.T) {
	dl := &fakeDownloader{result: downloader.Result{Path: "/downloads/a.zip", MD5: "abc"}}
	pub := &fakePublisher{}
	e, _ := newTestEngine(t, dl, &fakeArchiver{}, &fakeProcessManager{}, pub, &fakeSelfUpgrade{})

	b := testBinding("D1")
	e.Download(context.Background(), DownloadCommand{Binding: b, URL: "http://h/a.zip", MD5: "abc"})

	require.Eventually(t, func() bool { return len(pub.statuses()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"downloading", "download success"}, pub.statuses())
	assert.Equal(t, "/downloads/a.zip", pub.last()["path"])

	snap := b.Snapshot()
	assert.False(t, snap.Downloading)
}

func TestDownloadMD5MismatchPublishesFailure(t *testing.T) {
	dl := &fakeDownloader{err: assertErr("MD5校验失败: x vs y")}
	pub := &fakePublisher{}
	e, _ := newTestEngine(t, dl, &fakeArchiver{}, &fakeProcessManager{}, pub, &fakeSelfUpgrade{})

	b := testBinding("D1")
	e.Download(context.Background(), DownloadCommand{Binding: b, URL: "http://h/a.zip", MD5: "abc"})

	require.Eventually(t, func() bool { return len(pub.statuses()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"downloading", "download failed"}, pub.statuses())
	assert.Equal(t, "MD5校验失败", pub.last()["error"])
}

type assertErrT string

func (e assertErrT) Error() string { return string(e) }
func assertErr(s string) error     { return assertErrT(s) }

func TestStartUpdateHappyPath(t *testing.T) {
	ar := &fakeArchiver{}
	pm := &fakeProcessManager{}
	pub := &fakePublisher{}
	e, _ := newTestEngine(t, &fakeDownloader{}, ar, pm, pub, &fakeSelfUpgrade{})

	b := testBinding("D1")
	e.StartUpdate(context.Background(), StartUpdateCommand{
		Binding:  b,
		Path:     "/downloads/a.zip",
		Filename: "1.2.3",
		Version:  "1.2.3",
	})

	require.Eventually(t, func() bool { return len(pub.statuses()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"start update", "update success"}, pub.statuses())
	assert.Equal(t, "1.2.3", pub.last()["version"])

	assert.Contains(t, ar.extracted, "/opt/app/1.2.3")
	assert.Contains(t, pm.killed, "main.py")
	assert.Len(t, pm.launched, 1)

	snap := b.Snapshot()
	assert.False(t, snap.Updating)
	assert.False(t, snap.StopRequested)
}

// stopDuringExtractArchiver sets StopRequested on the binding as a side
// effect of Extract, modeling a Stop command arriving while extraction is
// in flight.
type stopDuringExtractArchiver struct {
	fakeArchiver
	b *registry.Binding
}

func (f *stopDuringExtractArchiver) Extract(src, target string) error {
	f.b.WithState(func(s *registry.State) { s.StopRequested = true })
	return f.fakeArchiver.Extract(src, target)
}

func TestStopDuringExtractAbortsBeforeLaunch(t *testing.T) {
	pm := &fakeProcessManager{}
	pub := &fakePublisher{}
	b := testBinding("D1")
	ar := &stopDuringExtractArchiver{b: b}
	e, _ := newTestEngine(t, &fakeDownloader{}, ar, pm, pub, &fakeSelfUpgrade{})

	e.StartUpdate(context.Background(), StartUpdateCommand{
		Binding:  b,
		Path:     "/downloads/a.zip",
		Filename: "1.2.3",
		Version:  "1.2.3",
	})

	require.Eventually(t, func() bool { return len(pub.statuses()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"start update", "update stopped"}, pub.statuses())

	// The checkStop before Launch must catch the flag: extraction already
	// ran (it is what set the flag), but the process must never relaunch.
	assert.Contains(t, ar.extracted, "/opt/app/1.2.3")
	assert.Empty(t, pm.launched)

	snap := b.Snapshot()
	assert.False(t, snap.Updating)
	assert.False(t, snap.StopRequested)
}

func TestStopWithNothingInFlightResetsFlag(t *testing.T) {
	pub := &fakePublisher{}
	e, _ := newTestEngine(t, &fakeDownloader{}, &fakeArchiver{}, &fakeProcessManager{}, pub, &fakeSelfUpgrade{})

	b := testBinding("D1")
	b.WithState(func(s *registry.State) { s.StopRequested = true })

	e.Stop(context.Background(), b)

	assert.Equal(t, []string{"update stopped"}, pub.statuses())
	snap := b.Snapshot()
	assert.False(t, snap.StopRequested)
}

func TestSelfUpgradeShortCircuitsFinalize(t *testing.T) {
	pub := &fakePublisher{}
	su := &fakeSelfUpgrade{}
	pm := &fakeProcessManager{}
	e, _ := newTestEngine(t, &fakeDownloader{}, &fakeArchiver{}, pm, pub, su)

	b := testBinding("D1")
	b.EntryName = "IoTAgent.py"

	e.StartUpdate(context.Background(), StartUpdateCommand{
		Binding: b,
		Path:    "/downloads/agent.zip",
		Version: "2.0.0",
	})

	assert.True(t, su.called)
	assert.Empty(t, pm.killed)
	assert.Equal(t, []string{"start update"}, pub.statuses())

	snap := b.Snapshot()
	assert.False(t, snap.Updating)
}
