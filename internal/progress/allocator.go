// Package progress maps a job's variable phase sequence onto a single
// monotonic 0-100 percentage. Weights are computed once per run from job
// shape; the tracker then folds per-phase sub-progress into a global value.
package progress

import (
	"math"

	"github.com/frameloom/transcoded/internal/job"
)

// Weights is the per-phase percentage allocation for one job run. Values
// are non-negative and always sum to exactly 100.
type Weights map[string]int

const (
	baseDownload  = 2
	baseMetadata  = 1
	baseTranscode = 70
	baseUpload    = 5
	baseFinalize  = 2

	transcodeFloor   = 40
	transcodeCeiling = 85
)

// ComputeWeights builds the phase weight table for a job. The transcoding
// phase is elastic: whatever rounding leaves over (or takes away) after all
// adjustments lands there, so the table always totals 100.
func ComputeWeights(j *job.Job, meta job.MediaMetadata, inputSizeBytes int64) Weights {
	w := Weights{
		job.PhaseDownload: downloadWeight(inputSizeBytes),
		job.PhaseMetadata: baseMetadata,
		job.PhaseUpload:   uploadWeight(j),
		job.PhaseFinalize: baseFinalize,
	}

	if j.Options.Watermark != nil {
		w[job.PhaseWatermark] = 1
	}
	if j.Options.ExtractAudio {
		w[job.PhaseAudio] = 5
	}
	if t := j.Options.Thumbnails; t != nil {
		w[job.PhaseThumbnails] = thumbnailWeight(j, meta, t)
	}

	w[job.PhaseTranscode] = transcodeWeight(j, meta)

	// The final balance: transcoding absorbs whatever rounding left over.
	sum := 0
	for _, v := range w {
		sum += v
	}
	w[job.PhaseTranscode] += 100 - sum
	return w
}

func downloadWeight(sizeBytes int64) int {
	const mb = 1024 * 1024
	switch {
	case sizeBytes >= 1000*mb:
		return 5
	case sizeBytes >= 500*mb:
		return 3
	default:
		return baseDownload
	}
}

func transcodeWeight(j *job.Job, meta job.MediaMetadata) int {
	mult := 1.0

	if n := len(j.Options.Resolutions); n > 1 {
		mult += 0.3 * float64(n-1)
	}
	if j.SegmentedFormat() {
		mult *= 1.2
	}
	if j.Options.TwoPass {
		mult *= 1.8
	}
	if advancedCodec(j.Options.VideoCodec) {
		mult *= 1.4
	}
	if j.Options.Crop != nil || j.Options.Watermark != nil {
		mult *= 1.1
	}
	switch {
	case meta.DurationSeconds > 3600:
		mult *= 1.2
	case meta.DurationSeconds > 1800:
		mult *= 1.1
	}

	w := int(math.Round(baseTranscode * mult))
	if w < transcodeFloor {
		return transcodeFloor
	}
	if w > transcodeCeiling {
		return transcodeCeiling
	}
	return w
}

func advancedCodec(codec string) bool {
	switch codec {
	case "h265", "hevc", "libx265", "av1", "libaom-av1", "vp9", "libvpx-vp9":
		return true
	}
	return false
}

func thumbnailWeight(j *job.Job, meta job.MediaMetadata, t *job.Thumbnails) int {
	count := len(t.Timestamps)
	if count == 0 && t.Interval > 0 && meta.DurationSeconds > 0 {
		count = int(meta.DurationSeconds) / t.Interval
	}
	w := 8
	switch {
	case count > 50:
		w = 15
	case count > 20:
		w = 12
	}
	if t.SpriteSheet {
		w += 3
	}
	if t.VTT {
		w += 1
	}
	return w
}

// uploadWeight scales the base by expected output file count: segmented
// formats multiply files per rendition, and thumbnails add their own batch.
func uploadWeight(j *job.Job) int {
	factor := 1.0
	if j.SegmentedFormat() {
		if n := len(j.Options.Resolutions); n > 1 {
			factor += 0.2 * float64(n-1)
		}
	}
	if j.Options.Thumbnails != nil {
		factor += 0.2
	}
	return int(math.Round(baseUpload * factor))
}
