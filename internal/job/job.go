package job

import "time"

const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
	StateExpired    = "expired"
)

const (
	CleanupPending    = "pending"
	CleanupInProgress = "in_progress"
	CleanupCompleted  = "completed"
	CleanupFailed     = "failed"
)

// Phase names used by the allocator and tracker. A job runs a subset of
// these, always in this order.
const (
	PhaseDownload   = "download"
	PhaseMetadata   = "metadata"
	PhaseWatermark  = "watermark"
	PhaseTranscode  = "transcoding"
	PhaseAudio      = "audio"
	PhaseThumbnails = "thumbnails"
	PhaseUpload     = "upload"
	PhaseFinalize   = "finalize"
)

// Crop is an optional rectangular crop applied before encoding.
type Crop struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// Watermark overlays an image fetched from storage onto every rendition.
type Watermark struct {
	ImageKey string  `json:"image_key"`
	Position string  `json:"position"` // e.g. "top-right"
	Opacity  float64 `json:"opacity"`
}

// Thumbnails configures still-image extraction. Exactly one of Interval or
// Timestamps is used; Timestamps wins when both are set.
type Thumbnails struct {
	Interval    int       `json:"interval_seconds"`
	Timestamps  []float64 `json:"timestamps,omitempty"`
	Width       int       `json:"width"`
	SpriteSheet bool      `json:"sprite_sheet"`
	VTT         bool      `json:"vtt"`
}

// Options is the structured options bag attached to a submission. Optional
// features are pointers; nil means not configured.
type Options struct {
	Resolutions      []string    `json:"resolutions"` // e.g. ["1920x1080","1280x720"]
	VideoCodec       string      `json:"video_codec"`
	AudioCodec       string      `json:"audio_codec"`
	TwoPass          bool        `json:"two_pass"`
	ExtractAudio     bool        `json:"extract_audio"`
	PreserveOriginal bool        `json:"preserve_original"`
	Crop             *Crop       `json:"crop,omitempty"`
	Watermark        *Watermark  `json:"watermark,omitempty"`
	Thumbnails       *Thumbnails `json:"thumbnails,omitempty"`
}

// Output is one produced rendition.
type Output struct {
	Label string `json:"label"` // e.g. "1080p"
	Key   string `json:"key"`
}

// ThumbnailResult bundles every thumbnail artifact a job produced.
type ThumbnailResult struct {
	Images     []string `json:"images,omitempty"`
	Sprite     string   `json:"sprite,omitempty"`
	VTT        string   `json:"vtt,omitempty"`
	Archive    string   `json:"archive,omitempty"`
	Timestamps []string `json:"timestamps,omitempty"`
}

// Error is the structured record stored when a job fails.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// MediaMetadata is what the probe phase learns about the source file.
type MediaMetadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Codec           string  `json:"codec"`
	FrameRate       float64 `json:"frame_rate"`
	Bitrate         int64   `json:"bitrate"`
}

type Job struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	SourceKey    string  `json:"source_key"`
	OutputFormat string  `json:"output_format"` // "mp4", "hls", "dash"
	Options      Options `json:"options"`

	State    string `json:"state"`
	Progress int    `json:"progress"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Outputs        []Output         `json:"outputs,omitempty"`
	MasterManifest string           `json:"master_manifest,omitempty"`
	ArchiveKey     string           `json:"archive_key,omitempty"`
	Thumbnails     *ThumbnailResult `json:"thumbnails,omitempty"`

	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CleanupState     string     `json:"cleanup_state"`
	CleanupAttempts  int        `json:"cleanup_attempts"`
	LastCleanupError string     `json:"last_cleanup_error,omitempty"`

	Error *Error `json:"error,omitempty"`
}

// SegmentedFormat reports whether the declared output format produces
// segmented streaming output (many small files instead of one).
func (j *Job) SegmentedFormat() bool {
	return j.OutputFormat == "hls" || j.OutputFormat == "dash"
}

// Phases returns the phase sequence this job will run, in execution order.
func (j *Job) Phases() []string {
	phases := []string{PhaseDownload, PhaseMetadata}
	if j.Options.Watermark != nil {
		phases = append(phases, PhaseWatermark)
	}
	phases = append(phases, PhaseTranscode)
	if j.Options.ExtractAudio {
		phases = append(phases, PhaseAudio)
	}
	if j.Options.Thumbnails != nil {
		phases = append(phases, PhaseThumbnails)
	}
	return append(phases, PhaseUpload, PhaseFinalize)
}

// ArtifactKeys enumerates every storage locator attached to the job, in no
// particular order. Used by retention cleanup.
func (j *Job) ArtifactKeys() []string {
	var keys []string
	for _, o := range j.Outputs {
		if o.Key != "" {
			keys = append(keys, o.Key)
		}
	}
	if j.MasterManifest != "" {
		keys = append(keys, j.MasterManifest)
	}
	if j.ArchiveKey != "" {
		keys = append(keys, j.ArchiveKey)
	}
	if t := j.Thumbnails; t != nil {
		keys = append(keys, t.Images...)
		if t.Sprite != "" {
			keys = append(keys, t.Sprite)
		}
		if t.VTT != "" {
			keys = append(keys, t.VTT)
		}
		if t.Archive != "" {
			keys = append(keys, t.Archive)
		}
		keys = append(keys, t.Timestamps...)
	}
	return keys
}
