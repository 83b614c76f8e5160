package worker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/frameloom/transcoded/internal/executor"
	"github.com/frameloom/transcoded/internal/job"
	"github.com/frameloom/transcoded/internal/notify"
	"github.com/frameloom/transcoded/internal/progress"
)

// process drives one job through its full phase sequence. Phases run
// strictly sequentially; the first error aborts the remainder.
func (p *Pool) process(ctx context.Context, j *job.Job) error {
	startedAt := time.Now().UTC()
	if err := p.store.MarkStarted(j.ID, startedAt); err != nil {
		return fmt.Errorf("marking job started: %w", err)
	}
	p.notifier.Emit(j.OwnerID, notify.EventJobStarted, notify.Payload(j.ID, nil))

	workDir, err := os.MkdirTemp(p.cfg.WorkDir, "job-"+j.ID+"-")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inDir := filepath.Join(workDir, "in")
	outDir := filepath.Join(workDir, "out")
	for _, d := range []string{inDir, outDir, filepath.Join(outDir, "thumbs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}

	// Download and probe run before the weight table exists; the tracker
	// credits them retroactively once weights are known.
	sourceName := "source" + filepath.Ext(j.SourceKey)
	sourcePath := filepath.Join(inDir, sourceName)
	if err := p.blobs.Download(ctx, j.SourceKey, sourcePath); err != nil {
		return fmt.Errorf("downloading source %s: %w", j.SourceKey, err)
	}
	fi, err := os.Stat(sourcePath)
	if err != nil || fi.Size() == 0 {
		return permanent("empty_source", fmt.Errorf("downloaded source %s is empty", j.SourceKey))
	}

	meta, err := p.probe(ctx, inDir, outDir, sourceName)
	if err != nil {
		return err
	}

	weights := progress.ComputeWeights(j, meta, fi.Size())
	tracker := progress.NewTracker(weights, func(percent int) {
		p.reportProgress(j, percent)
	})
	tracker.StartPhase(job.PhaseDownload)
	tracker.CompletePhase()
	tracker.StartPhase(job.PhaseMetadata)
	tracker.CompletePhase()

	watermarkName := ""
	if wm := j.Options.Watermark; wm != nil {
		tracker.StartPhase(job.PhaseWatermark)
		watermarkName = "watermark" + filepath.Ext(wm.ImageKey)
		if err := p.blobs.Download(ctx, wm.ImageKey, filepath.Join(inDir, watermarkName)); err != nil {
			return fmt.Errorf("downloading watermark %s: %w", wm.ImageKey, err)
		}
		tracker.CompletePhase()
	}

	if p.cancelled(j.ID) {
		return errCancelled
	}
	if err := p.transcode(ctx, j, tracker, meta, inDir, outDir, sourceName, watermarkName); err != nil {
		return err
	}

	if j.Options.ExtractAudio {
		if err := p.extractAudio(ctx, j, tracker, meta, inDir, outDir, sourceName); err != nil {
			return err
		}
	}

	var thumbCount int
	if j.Options.Thumbnails != nil {
		if thumbCount, err = p.thumbnails(ctx, j, tracker, meta, inDir, outDir, sourceName); err != nil {
			return err
		}
	}

	if p.cancelled(j.ID) {
		return errCancelled
	}
	if err := p.upload(ctx, j, tracker, outDir, sourcePath, thumbCount); err != nil {
		return err
	}

	tracker.StartPhase(job.PhaseFinalize)
	if err := p.store.SetOutputs(j); err != nil {
		return fmt.Errorf("persisting outputs: %w", err)
	}
	completedAt := time.Now().UTC()
	if err := p.store.MarkCompleted(j.ID, completedAt, completedAt.Add(p.cfg.RetentionWindow)); err != nil {
		return fmt.Errorf("marking job completed: %w", err)
	}
	tracker.Complete()

	p.notifier.Emit(j.OwnerID, notify.EventJobCompleted, notify.Payload(j.ID, map[string]any{
		"outputs":         j.Outputs,
		"master_manifest": j.MasterManifest,
		"archive":         j.ArchiveKey,
		"thumbnails":      j.Thumbnails,
	}))
	return nil
}

func (p *Pool) cancelled(jobID string) bool {
	j, err := p.store.GetJob(jobID)
	return err == nil && j.State == job.StateCancelled
}

// reportProgress persists the percentage and notifies the owner. Called
// only on tracked increases, in order, per job.
func (p *Pool) reportProgress(j *job.Job, percent int) {
	if err := p.store.UpdateProgress(j.ID, percent); err != nil {
		p.logger.Error("persisting progress", "job_id", j.ID, "error", err)
	}
	p.notifier.Emit(j.OwnerID, notify.EventJobProgress, notify.Payload(j.ID, map[string]any{
		"progress": percent,
	}))
}

func (p *Pool) probe(ctx context.Context, inDir, outDir, sourceName string) (job.MediaMetadata, error) {
	spec := p.sandboxSpec(executor.OpProbe, probeCmd(sourceName), inDir, outDir, executor.Hints{})
	outcome, err := p.exec.Run(ctx, spec, func(float64) {})
	if err != nil {
		return job.MediaMetadata{}, permanentWithDetail("probe_failed", outcome.Output, fmt.Errorf("probing source: %w", err))
	}
	meta, err := parseProbeOutput(outcome.Output)
	if err != nil {
		return job.MediaMetadata{}, permanent("probe_failed", fmt.Errorf("reading probe result: %w", err))
	}
	return meta, nil
}

func (p *Pool) transcode(ctx context.Context, j *job.Job, tracker *progress.Tracker, meta job.MediaMetadata, inDir, outDir, sourceName, watermarkName string) error {
	tracker.StartPhase(job.PhaseTranscode)

	resolutions := j.Options.Resolutions
	if len(resolutions) == 0 {
		resolutions = []string{""}
	}
	passes := 1
	if j.Options.TwoPass {
		passes = 2
	}
	units := len(resolutions) * passes
	unit := 0

	hints := executor.Hints{DurationSeconds: meta.DurationSeconds}
	if meta.FrameRate > 0 && meta.DurationSeconds > 0 {
		hints.TotalFrames = int64(meta.FrameRate * meta.DurationSeconds)
	}

	for _, res := range resolutions {
		if j.SegmentedFormat() {
			label := resolutionLabel(res)
			if label == "" {
				label = "source"
			}
			if err := os.MkdirAll(filepath.Join(outDir, label), 0o755); err != nil {
				return fmt.Errorf("creating rendition dir: %w", err)
			}
		}
		for pass := 1; pass <= passes; pass++ {
			passArg := 0
			if j.Options.TwoPass {
				passArg = pass
			}
			cmd := transcodeCmd(j, sourceName, watermarkName, res, passArg)
			base := float64(unit) / float64(units) * 100
			span := 100 / float64(units)
			spec := p.sandboxSpec(executor.OpTranscode, cmd, inDir, outDir, hints)
			outcome, err := p.exec.Run(ctx, spec, func(pct float64) {
				tracker.UpdatePhase(base + pct*span/100)
			})
			if err != nil {
				return permanentWithDetail("transcode_failed", outcome.Output,
					fmt.Errorf("transcoding %s: %w", res, err))
			}
			unit++
		}
	}
	tracker.CompletePhase()
	return nil
}

func (p *Pool) extractAudio(ctx context.Context, j *job.Job, tracker *progress.Tracker, meta job.MediaMetadata, inDir, outDir, sourceName string) error {
	tracker.StartPhase(job.PhaseAudio)
	spec := p.sandboxSpec(executor.OpAudio, audioExtractCmd(j, sourceName), inDir, outDir,
		executor.Hints{DurationSeconds: meta.DurationSeconds})
	outcome, err := p.exec.Run(ctx, spec, tracker.UpdatePhase)
	if err != nil {
		return permanentWithDetail("audio_extract_failed", outcome.Output,
			fmt.Errorf("extracting audio: %w", err))
	}
	tracker.CompletePhase()
	return nil
}

// thumbnails runs interval or custom-timestamp extraction, then the
// optional sprite sheet and VTT track. Returns the number of frames
// produced.
func (p *Pool) thumbnails(ctx context.Context, j *job.Job, tracker *progress.Tracker, meta job.MediaMetadata, inDir, outDir, sourceName string) (int, error) {
	tracker.StartPhase(job.PhaseThumbnails)
	t := j.Options.Thumbnails
	thumbsDir := filepath.Join(outDir, "thumbs")

	if len(t.Timestamps) > 0 {
		for i, ts := range t.Timestamps {
			spec := p.sandboxSpec(executor.OpThumbnail, thumbnailAtCmd(sourceName, ts, t.Width, i+1), inDir, outDir, executor.Hints{})
			if outcome, err := p.exec.Run(ctx, spec, func(float64) {}); err != nil {
				return 0, permanentWithDetail("thumbnail_failed", outcome.Output,
					fmt.Errorf("extracting thumbnail at %.3fs: %w", ts, err))
			}
			tracker.UpdatePhase(float64(i+1) / float64(len(t.Timestamps)) * 90)
		}
	} else {
		interval := t.Interval
		if interval <= 0 {
			interval = 10
		}
		expected := 0
		if meta.DurationSeconds > 0 {
			expected = int(meta.DurationSeconds) / interval
		}
		spec := p.sandboxSpec(executor.OpThumbnail, thumbnailIntervalCmd(sourceName, t), inDir, outDir,
			executor.Hints{ExpectedFiles: expected})
		if outcome, err := p.exec.Run(ctx, spec, func(pct float64) {
			tracker.UpdatePhase(pct * 0.9)
		}); err != nil {
			return 0, permanentWithDetail("thumbnail_failed", outcome.Output,
				fmt.Errorf("extracting thumbnails: %w", err))
		}
	}

	frames, err := filepath.Glob(filepath.Join(thumbsDir, "*.jpg"))
	if err != nil || len(frames) == 0 {
		return 0, permanent("thumbnail_failed", fmt.Errorf("no thumbnails produced"))
	}

	if t.SpriteSheet {
		spec := p.sandboxSpec(executor.OpThumbnail, spriteCmd(5), inDir, outDir, executor.Hints{})
		if outcome, err := p.exec.Run(ctx, spec, func(float64) {}); err != nil {
			return 0, permanentWithDetail("thumbnail_failed", outcome.Output,
				fmt.Errorf("building sprite sheet: %w", err))
		}
	}
	if t.VTT {
		sort.Strings(frames)
		if err := writeThumbnailVTT(filepath.Join(thumbsDir, "thumbs.vtt"), frames, t.Interval); err != nil {
			return 0, fmt.Errorf("writing thumbnail VTT: %w", err)
		}
	}
	tracker.CompletePhase()
	return len(frames), nil
}

// upload walks the output tree, pushes every artifact to object storage,
// and fills the job's output locators. Nothing is persisted here; finalize
// does that after every upload succeeded.
func (p *Pool) upload(ctx context.Context, j *job.Job, tracker *progress.Tracker, outDir, sourcePath string, thumbCount int) error {
	tracker.StartPhase(job.PhaseUpload)
	prefix := "outputs/" + j.ID + "/"

	if j.OutputFormat == "hls" {
		var labels []string
		for _, res := range j.Options.Resolutions {
			labels = append(labels, resolutionLabel(res))
		}
		if len(labels) == 0 {
			labels = []string{"source"}
		}
		if err := writeMasterManifest(filepath.Join(outDir, "master.m3u8"), labels); err != nil {
			return fmt.Errorf("writing master manifest: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), "-2pass") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enumerating outputs: %w", err)
	}
	if len(files) == 0 {
		return permanent("missing_output", fmt.Errorf("transcode produced no output files"))
	}

	thumbs := &job.ThumbnailResult{}
	custom := j.Options.Thumbnails != nil && len(j.Options.Thumbnails.Timestamps) > 0
	for i, path := range files {
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}
		key := prefix + filepath.ToSlash(rel)
		if err := p.uploadWithRetry(ctx, path, key); err != nil {
			return err
		}
		p.classifyArtifact(j, thumbs, rel, key, custom)
		tracker.UpdatePhase(float64(i+1) / float64(len(files)+1) * 100)
	}

	if j.Options.PreserveOriginal {
		key := prefix + "original" + filepath.Ext(sourcePath)
		if err := p.uploadWithRetry(ctx, sourcePath, key); err != nil {
			return err
		}
		j.ArchiveKey = key
	}
	if j.Options.Thumbnails != nil && thumbCount > 0 {
		j.Thumbnails = thumbs
	}
	if len(j.Outputs) == 0 {
		return permanent("missing_output", fmt.Errorf("no rendition artifacts found in output tree"))
	}
	tracker.CompletePhase()
	return nil
}

// classifyArtifact buckets one uploaded file into the job's output fields
// based on where the pipeline wrote it.
func (p *Pool) classifyArtifact(j *job.Job, thumbs *job.ThumbnailResult, rel, key string, customThumbs bool) {
	rel = filepath.ToSlash(rel)
	switch {
	case rel == "master.m3u8":
		j.MasterManifest = key
	case strings.HasPrefix(rel, "thumbs/"):
		name := strings.TrimPrefix(rel, "thumbs/")
		switch {
		case name == "sprite.jpg":
			thumbs.Sprite = key
		case strings.HasSuffix(name, ".vtt"):
			thumbs.VTT = key
		case customThumbs:
			thumbs.Timestamps = append(thumbs.Timestamps, key)
		default:
			thumbs.Images = append(thumbs.Images, key)
		}
	case strings.HasPrefix(rel, "audio."):
		j.Outputs = append(j.Outputs, job.Output{Label: "audio", Key: key})
	case strings.HasSuffix(rel, "/index.m3u8"), strings.HasSuffix(rel, "/manifest.mpd"):
		j.Outputs = append(j.Outputs, job.Output{Label: strings.SplitN(rel, "/", 2)[0], Key: key})
	case strings.HasSuffix(rel, ".mp4") && !strings.Contains(rel, "/"):
		j.Outputs = append(j.Outputs, job.Output{Label: strings.TrimSuffix(rel, ".mp4"), Key: key})
	}
}

const uploadAttempts = 3

func (p *Pool) uploadWithRetry(ctx context.Context, localPath, key string) error {
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err = p.blobs.Upload(ctx, localPath, key); err == nil {
			return nil
		}
		p.logger.Warn("upload failed", "key", key, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("uploading %s: %w", key, err)
}
