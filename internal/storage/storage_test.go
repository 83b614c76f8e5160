package storage

import (
	"os"
	"testing"
	"time"

	"github.com/frameloom/transcoded/internal/job"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "transcoded_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s := NewSQLiteStore()
	if err := s.Init(path); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob() *job.Job {
	return &job.Job{
		OwnerID:      "user-1",
		SourceKey:    "uploads/source.mp4",
		OutputFormat: "hls",
		Options: job.Options{
			Resolutions: []string{"1920x1080", "1280x720"},
			Thumbnails:  &job.Thumbnails{Interval: 10, SpriteSheet: true},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob()
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StatePending {
		t.Fatalf("expected pending, got %s", got.State)
	}
	if got.CleanupState != job.CleanupPending {
		t.Fatalf("expected cleanup pending, got %s", got.CleanupState)
	}
	if len(got.Options.Resolutions) != 2 {
		t.Fatalf("options round trip lost resolutions: %+v", got.Options)
	}
	if got.Options.Thumbnails == nil || !got.Options.Thumbnails.SpriteSheet {
		t.Fatalf("options round trip lost thumbnails: %+v", got.Options)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressAndStateUpdatesArePartial(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob()
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkStarted(j.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := s.UpdateProgress(j.ID, 42); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateProcessing || got.Progress != 42 {
		t.Fatalf("expected processing/42, got %s/%d", got.State, got.Progress)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
	if got.SourceKey != j.SourceKey {
		t.Fatal("partial update clobbered source key")
	}
}

func TestMarkCompletedSetsExpiryOnce(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob()
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := time.Now().UTC().Add(time.Hour)
	if err := s.MarkCompleted(j.ID, time.Now().UTC(), first); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := s.MarkCompleted(j.ID, time.Now().UTC(), first.Add(24*time.Hour)); err != nil {
		t.Fatalf("second mark completed: %v", err)
	}

	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}
	if !got.ExpiresAt.Equal(first) {
		t.Fatalf("expires_at moved: want %v, got %v", first, got.ExpiresAt)
	}
	if got.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", got.Progress)
	}
}

func TestMarkFailedClearsOutputs(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob()
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create: %v", err)
	}
	j.Outputs = []job.Output{{Label: "1080p", Key: "outputs/x/1080p.mp4"}}
	j.MasterManifest = "outputs/x/master.m3u8"
	if err := s.SetOutputs(j); err != nil {
		t.Fatalf("set outputs: %v", err)
	}
	if err := s.MarkFailed(j.ID, &job.Error{Code: "transcode_failed", Message: "exit 1"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.Error == nil || got.Error.Code != "transcode_failed" {
		t.Fatalf("expected error record, got %+v", got.Error)
	}
	if len(got.Outputs) != 0 || got.MasterManifest != "" {
		t.Fatalf("failed job still exposes outputs: %+v", got)
	}
}

func TestFindExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	aged := newTestJob()
	if err := s.CreateJob(aged); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkCompleted(aged.ID, now.Add(-2*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	fresh := newTestJob()
	if err := s.CreateJob(fresh); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkCompleted(fresh.ID, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	running := newTestJob()
	if err := s.CreateJob(running); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkStarted(running.ID, now); err != nil {
		t.Fatalf("mark started: %v", err)
	}

	expired, err := s.FindExpired(now)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != aged.ID {
		t.Fatalf("expected only aged job, got %d results", len(expired))
	}

	// Once cleanup completes the job drops out of the sweep query.
	if err := s.BeginCleanup(aged.ID); err != nil {
		t.Fatalf("begin cleanup: %v", err)
	}
	if err := s.FinishCleanup(aged.ID); err != nil {
		t.Fatalf("finish cleanup: %v", err)
	}
	expired, err = s.FindExpired(now)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired jobs after cleanup, got %d", len(expired))
	}
}

func TestCleanupStateTransitions(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob()
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create: %v", err)
	}
	j.Outputs = []job.Output{{Label: "1080p", Key: "outputs/x/1080p.mp4"}}
	if err := s.SetOutputs(j); err != nil {
		t.Fatalf("set outputs: %v", err)
	}
	now := time.Now().UTC()
	if err := s.MarkCompleted(j.ID, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := s.BeginCleanup(j.ID); err != nil {
		t.Fatalf("begin cleanup: %v", err)
	}
	if err := s.FailCleanup(j.ID, "delete outputs/x/1080p.mp4: boom"); err != nil {
		t.Fatalf("fail cleanup: %v", err)
	}
	got, _ := s.GetJob(j.ID)
	if got.CleanupState != job.CleanupFailed || got.CleanupAttempts != 1 {
		t.Fatalf("expected failed/1, got %s/%d", got.CleanupState, got.CleanupAttempts)
	}
	if got.LastCleanupError == "" {
		t.Fatal("expected last cleanup error recorded")
	}

	if err := s.BeginCleanup(j.ID); err != nil {
		t.Fatalf("second begin cleanup: %v", err)
	}
	if err := s.FinishCleanup(j.ID); err != nil {
		t.Fatalf("finish cleanup: %v", err)
	}
	got, _ = s.GetJob(j.ID)
	if got.CleanupState != job.CleanupCompleted || got.State != job.StateExpired {
		t.Fatalf("expected completed/expired, got %s/%s", got.CleanupState, got.State)
	}
	if got.CleanupAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.CleanupAttempts)
	}
	if len(got.Outputs) != 0 {
		t.Fatal("expired job still exposes outputs")
	}
}
