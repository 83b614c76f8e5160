package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/frameloom/transcoded/internal/executor"
	"github.com/frameloom/transcoded/internal/job"
	"github.com/frameloom/transcoded/internal/queue"
	"github.com/frameloom/transcoded/internal/storage"
)

const probeJSON = `{"format":{"duration":"120.000000","bit_rate":"4000000"},` +
	`"streams":[{"codec_name":"h264","width":1920,"height":1080,"avg_frame_rate":"30/1"}]}`

// fakeRuntime simulates the sandbox: it plays back tool output and writes
// the files each command would have produced into the rw mount.
type fakeRuntime struct {
	mu        sync.Mutex
	specs     map[string]executor.RunSpec
	n         int
	failKind  executor.OpKind
	gate      chan struct{}
	active    int
	maxActive int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{specs: map[string]executor.RunSpec{}}
}

func (f *fakeRuntime) Create(ctx context.Context, spec executor.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("sandbox-%d", f.n)
	f.specs[id] = spec
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	spec := f.spec(id)
	var out string
	switch {
	case spec.Cmd[0] == "ffprobe":
		out = probeJSON + "\n"
	case f.failKind != "" && spec.Kind == f.failKind:
		out = "in/source.mp4: Invalid data found when processing input\n"
	default:
		out = "frame=  900 fps= 30 time=00:00:30.00 bitrate= 900k speed=1x\n" +
			"frame= 3600 time=00:02:00.00 speed=1x\n"
	}
	return io.NopCloser(strings.NewReader(out)), nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) {
	if f.gate != nil {
		<-f.gate
	}
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	spec := f.spec(id)
	if f.failKind != "" && spec.Kind == f.failKind {
		return 1, nil
	}
	if err := f.materialize(spec); err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.specs, id)
	return nil
}

func (f *fakeRuntime) spec(id string) executor.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[id]
}

// materialize writes the command's declared output target under the host
// side of the rw mount.
func (f *fakeRuntime) materialize(spec executor.RunSpec) error {
	if spec.Cmd[0] == "ffprobe" {
		return nil
	}
	target := spec.Cmd[len(spec.Cmd)-1]
	if target == "/dev/null" {
		return nil
	}
	hostOut := ""
	for _, m := range spec.Mounts {
		if !m.ReadOnly {
			hostOut = m.HostPath
		}
	}
	rel := strings.TrimPrefix(target, "/out/")
	if hostOut == "" || rel == target {
		return fmt.Errorf("no writable mount for %s", target)
	}
	write := func(rel string) error {
		path := filepath.Join(hostOut, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte("artifact"), 0o644)
	}
	if strings.Contains(rel, "%04d") {
		for i := 1; i <= 3; i++ {
			if err := write(fmt.Sprintf(rel, i)); err != nil {
				return err
			}
		}
		return nil
	}
	return write(rel)
}

type fakeBlobs struct {
	mu         sync.Mutex
	sourceData []byte
	uploaded   []string
}

func (f *fakeBlobs) Download(ctx context.Context, key, localPath string) error {
	return os.WriteFile(localPath, f.sourceData, 0o644)
}

func (f *fakeBlobs) Upload(ctx context.Context, localPath, key string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("upload source missing: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, key)
	return nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error { return nil }

// recorder captures lifecycle notifications in emission order.
type recorder struct {
	mu     sync.Mutex
	events []string
	loads  []map[string]any
}

func (r *recorder) Emit(ownerID, event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.loads = append(r.loads, payload)
}

func (r *recorder) snapshot() ([]string, []map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]map[string]any(nil), r.loads...)
}

type testPool struct {
	pool    *Pool
	store   storage.Store
	queue   *queue.RedisQueue
	blobs   *fakeBlobs
	runtime *fakeRuntime
	events  *recorder
}

func newTestPool(t *testing.T, workers int) *testPool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f, err := os.CreateTemp("", "worker_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })
	store := storage.NewSQLiteStore()
	if err := store.Init(dbPath); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	q := queue.NewRedisQueue(mr.Addr(), queue.Config{Name: "worker-test", MaxRetries: 2}, logger)
	t.Cleanup(func() { q.Close() })

	rt := newFakeRuntime()
	blobs := &fakeBlobs{sourceData: []byte("not really a video")}
	events := &recorder{}
	pool := NewPool(store, q, events, blobs, executor.New(rt, logger), Config{
		Workers:         workers,
		WorkDir:         t.TempDir(),
		RetentionWindow: time.Hour,
		SandboxImage:    "ffmpeg:test",
	}, logger)
	return &testPool{pool: pool, store: store, queue: q, blobs: blobs, runtime: rt, events: events}
}

func (tp *testPool) submit(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	if err := tp.store.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := tp.queue.Enqueue(context.Background(), j.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

func waitForState(t *testing.T, s storage.Store, id, state string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(id)
		if err == nil && j.State == state {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	j, _ := s.GetJob(id)
	t.Fatalf("job %s never reached state %q, last seen %+v", id, state, j)
	return nil
}

func TestPipelineCompletesJob(t *testing.T) {
	tp := newTestPool(t, 1)
	j := tp.submit(t, &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/source.mp4",
		OutputFormat: "mp4",
		Options:      job.Options{Resolutions: []string{"1920x1080"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	got := waitForState(t, tp.store, j.ID, job.StateCompleted)
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Label != "1080p" {
		t.Fatalf("outputs = %+v", got.Outputs)
	}
	wantKey := "outputs/" + j.ID + "/1080p.mp4"
	if got.Outputs[0].Key != wantKey {
		t.Fatalf("output key = %q, want %q", got.Outputs[0].Key, wantKey)
	}
	if got.ExpiresAt == nil || got.CompletedAt == nil {
		t.Fatal("completion timestamps not set")
	}
	if want := got.CompletedAt.Add(time.Hour); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want completion + retention window %v", got.ExpiresAt, want)
	}

	events, loads := tp.events.snapshot()
	if len(events) < 3 {
		t.Fatalf("too few events: %v", events)
	}
	if events[0] != "job-started" {
		t.Fatalf("first event = %q, want job-started", events[0])
	}
	if events[len(events)-1] != "job-completed" {
		t.Fatalf("last event = %q, want job-completed", events[len(events)-1])
	}
	last := -1
	for i, e := range events {
		if e != "job-progress" {
			continue
		}
		pct, ok := loads[i]["progress"].(int)
		if !ok {
			t.Fatalf("progress payload missing: %v", loads[i])
		}
		if pct < last {
			t.Fatalf("progress regressed at event %d: %v", i, events)
		}
		last = pct
	}
	if last != 100 {
		t.Fatalf("final progress event = %d, want 100", last)
	}
}

func TestPipelineUploadsThumbnailArtifacts(t *testing.T) {
	tp := newTestPool(t, 1)
	j := tp.submit(t, &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/source.mp4",
		OutputFormat: "mp4",
		Options: job.Options{
			Resolutions: []string{"1280x720"},
			Thumbnails:  &job.Thumbnails{Interval: 30, SpriteSheet: true, VTT: true},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	got := waitForState(t, tp.store, j.ID, job.StateCompleted)
	th := got.Thumbnails
	if th == nil {
		t.Fatal("thumbnail results not recorded")
	}
	if len(th.Images) == 0 {
		t.Fatalf("no thumbnail images recorded: %+v", th)
	}
	if th.Sprite == "" || th.VTT == "" {
		t.Fatalf("sprite/vtt keys missing: %+v", th)
	}
}

func TestPipelineFailsPermanentlyOnTranscodeError(t *testing.T) {
	tp := newTestPool(t, 1)
	tp.runtime.failKind = executor.OpTranscode
	j := tp.submit(t, &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/source.mp4",
		OutputFormat: "mp4",
		Options:      job.Options{Resolutions: []string{"1920x1080"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	got := waitForState(t, tp.store, j.ID, job.StateFailed)
	if got.Error == nil || got.Error.Code != "transcode_failed" {
		t.Fatalf("error record = %+v", got.Error)
	}
	if !strings.Contains(got.Error.Detail, "Invalid data found") {
		t.Fatalf("captured tool output missing from detail: %q", got.Error.Detail)
	}
	if len(got.Outputs) != 0 {
		t.Fatalf("failed job must not list outputs: %+v", got.Outputs)
	}

	events, _ := tp.events.snapshot()
	if events[len(events)-1] != "job-failed" {
		t.Fatalf("last event = %q, want job-failed", events[len(events)-1])
	}
}

func TestEmptySourceFailsPermanently(t *testing.T) {
	tp := newTestPool(t, 1)
	tp.blobs.sourceData = nil
	j := tp.submit(t, &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/empty.mp4",
		OutputFormat: "mp4",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	got := waitForState(t, tp.store, j.ID, job.StateFailed)
	if got.Error == nil || got.Error.Code != "empty_source" {
		t.Fatalf("error record = %+v", got.Error)
	}
}

func TestWorkerSkipsCancelledJob(t *testing.T) {
	tp := newTestPool(t, 1)
	j := tp.submit(t, &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/source.mp4",
		OutputFormat: "mp4",
	})
	if err := tp.store.UpdateState(j.ID, job.StateCancelled); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	time.Sleep(300 * time.Millisecond)
	got, err := tp.store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("state = %q, want cancelled", got.State)
	}
	if events, _ := tp.events.snapshot(); len(events) != 0 {
		t.Fatalf("cancelled job emitted events: %v", events)
	}
}

// Five queued jobs against three workers: exactly three run at once, the
// rest dispatch only as slots free up.
func TestPoolBoundsConcurrency(t *testing.T) {
	tp := newTestPool(t, 3)
	gate := make(chan struct{})
	tp.runtime.gate = gate

	var ids []string
	for i := 0; i < 5; i++ {
		j := tp.submit(t, &job.Job{
			OwnerID:      "user-1",
			SourceKey:    fmt.Sprintf("uploads/source-%d.mp4", i),
			OutputFormat: "mp4",
		})
		ids = append(ids, j.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.pool.Start(ctx)
	defer tp.pool.Stop()

	// All three workers must end up blocked inside a sandbox wait.
	deadline := time.Now().Add(3 * time.Second)
	for {
		tp.runtime.mu.Lock()
		active := tp.runtime.active
		tp.runtime.mu.Unlock()
		if active == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw 3 concurrent sandboxes, active=%d", active)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(gate)

	for _, id := range ids {
		waitForState(t, tp.store, id, job.StateCompleted)
	}
	tp.runtime.mu.Lock()
	maxActive := tp.runtime.maxActive
	tp.runtime.mu.Unlock()
	if maxActive != 3 {
		t.Fatalf("max concurrent sandboxes = %d, want exactly 3", maxActive)
	}
}
