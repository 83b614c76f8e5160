package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/frameloom/transcoded/internal/executor"
	"github.com/frameloom/transcoded/internal/job"
)

// Container-side mount points. Input is read-only, output read-write.
const (
	containerIn  = "/in"
	containerOut = "/out"
)

func probeCmd(sourceName string) []string {
	return []string{
		"ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration,bit_rate:stream=codec_name,width,height,avg_frame_rate",
		"-of", "json",
		filepath.Join(containerIn, sourceName),
	}
}

// parseProbeOutput decodes the ffprobe JSON captured from the sandbox log
// stream.
func parseProbeOutput(out string) (job.MediaMetadata, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return job.MediaMetadata{}, fmt.Errorf("no JSON in probe output")
	}
	var doc struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &doc); err != nil {
		return job.MediaMetadata{}, fmt.Errorf("decode probe output: %w", err)
	}
	var meta job.MediaMetadata
	meta.DurationSeconds, _ = strconv.ParseFloat(doc.Format.Duration, 64)
	meta.Bitrate, _ = strconv.ParseInt(doc.Format.BitRate, 10, 64)
	if len(doc.Streams) > 0 {
		s := doc.Streams[0]
		meta.Codec = s.CodecName
		meta.Width = s.Width
		meta.Height = s.Height
		meta.FrameRate = parseFrameRate(s.AvgFrameRate)
	}
	return meta, nil
}

func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// resolutionLabel turns "1920x1080" into "1080p".
func resolutionLabel(res string) string {
	_, h, ok := strings.Cut(res, "x")
	if !ok {
		return res
	}
	return h + "p"
}

func videoCodecArg(codec string) string {
	switch codec {
	case "", "h264":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "av1":
		return "libaom-av1"
	case "vp9":
		return "libvpx-vp9"
	default:
		return codec
	}
}

// transcodeCmd builds the ffmpeg invocation for one rendition. pass is 0
// for single-pass encodes, 1 or 2 for two-pass.
func transcodeCmd(j *job.Job, sourceName, watermarkName, resolution string, pass int) []string {
	args := []string{"ffmpeg", "-y", "-i", filepath.Join(containerIn, sourceName)}

	var filters []string
	if c := j.Options.Crop; c != nil {
		filters = append(filters, fmt.Sprintf("crop=%d:%d:%d:%d", c.Width, c.Height, c.X, c.Y))
	}
	if resolution != "" {
		w, h, _ := strings.Cut(resolution, "x")
		filters = append(filters, fmt.Sprintf("scale=%s:%s", w, h))
	}

	if j.Options.Watermark != nil && watermarkName != "" {
		args = append(args, "-i", filepath.Join(containerIn, watermarkName))
		chain := "[0:v]"
		if len(filters) > 0 {
			chain = chain + strings.Join(filters, ",") + "[base];[base]"
		}
		args = append(args, "-filter_complex",
			chain+"[1:v]overlay="+overlayPosition(j.Options.Watermark.Position)+"[v]",
			"-map", "[v]", "-map", "0:a?")
	} else if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	args = append(args, "-c:v", videoCodecArg(j.Options.VideoCodec))
	if j.Options.AudioCodec != "" {
		args = append(args, "-c:a", j.Options.AudioCodec)
	} else {
		args = append(args, "-c:a", "aac")
	}

	label := resolutionLabel(resolution)
	if label == "" {
		label = "source"
	}
	if pass > 0 {
		args = append(args,
			"-pass", strconv.Itoa(pass),
			"-passlogfile", filepath.Join(containerOut, label+"-2pass"))
	}
	if pass == 1 {
		return append(args, "-an", "-f", "null", "/dev/null")
	}

	switch j.OutputFormat {
	case "hls":
		args = append(args,
			"-f", "hls",
			"-hls_time", "6",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(containerOut, label, "segment_%04d.ts"),
			filepath.Join(containerOut, label, "index.m3u8"))
	case "dash":
		args = append(args,
			"-f", "dash",
			"-seg_duration", "4",
			filepath.Join(containerOut, label, "manifest.mpd"))
	default:
		args = append(args, filepath.Join(containerOut, label+".mp4"))
	}
	return args
}

func overlayPosition(pos string) string {
	switch pos {
	case "top-left":
		return "10:10"
	case "top-right":
		return "W-w-10:10"
	case "bottom-left":
		return "10:H-h-10"
	default:
		return "W-w-10:H-h-10"
	}
}

func audioExtractCmd(j *job.Job, sourceName string) []string {
	codec := j.Options.AudioCodec
	if codec == "" {
		codec = "libmp3lame"
	}
	ext := "mp3"
	if codec == "aac" {
		ext = "m4a"
	}
	return []string{
		"ffmpeg", "-y",
		"-i", filepath.Join(containerIn, sourceName),
		"-vn",
		"-c:a", codec,
		filepath.Join(containerOut, "audio."+ext),
	}
}

// thumbnailIntervalCmd extracts one frame every interval seconds.
func thumbnailIntervalCmd(sourceName string, t *job.Thumbnails) []string {
	width := t.Width
	if width <= 0 {
		width = 320
	}
	interval := t.Interval
	if interval <= 0 {
		interval = 10
	}
	return []string{
		"ffmpeg", "-y",
		"-i", filepath.Join(containerIn, sourceName),
		"-vf", fmt.Sprintf("fps=1/%d,scale=%d:-1", interval, width),
		filepath.Join(containerOut, "thumbs", "thumb_%04d.jpg"),
	}
}

// thumbnailAtCmd grabs a single frame at ts seconds.
func thumbnailAtCmd(sourceName string, ts float64, width, index int) []string {
	if width <= 0 {
		width = 320
	}
	return []string{
		"ffmpeg", "-y",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", filepath.Join(containerIn, sourceName),
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", width),
		filepath.Join(containerOut, "thumbs", fmt.Sprintf("custom_%04d.jpg", index)),
	}
}

// spriteCmd tiles the extracted thumbnails into a single sheet.
func spriteCmd(columns int) []string {
	return []string{
		"ffmpeg", "-y",
		"-i", filepath.Join(containerOut, "thumbs", "thumb_%04d.jpg"),
		"-filter_complex", fmt.Sprintf("tile=%dx1000:nb_frames=0", columns),
		"-frames:v", "1",
		filepath.Join(containerOut, "thumbs", "sprite.jpg"),
	}
}

// writeThumbnailVTT emits a WebVTT track mapping time ranges to thumbnail
// images, one cue per extracted frame.
func writeThumbnailVTT(path string, images []string, interval int) error {
	if interval <= 0 {
		interval = 10
	}
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	for i, img := range images {
		start := i * interval
		end := start + interval
		fmt.Fprintf(&sb, "%s --> %s\n%s\n\n", vttTimestamp(start), vttTimestamp(end), filepath.Base(img))
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func vttTimestamp(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d.000", seconds/3600, (seconds%3600)/60, seconds%60)
}

// writeMasterManifest produces the top-level HLS playlist referencing each
// rendition's index.
func writeMasterManifest(path string, labels []string) error {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, label := range labels {
		bw := bandwidthFor(label)
		fmt.Fprintf(&sb, "#EXT-X-STREAM-INF:BANDWIDTH=%d,NAME=\"%s\"\n%s/index.m3u8\n", bw, label, label)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func bandwidthFor(label string) int {
	h, err := strconv.Atoi(strings.TrimSuffix(label, "p"))
	if err != nil {
		return 1_500_000
	}
	switch {
	case h >= 2160:
		return 14_000_000
	case h >= 1080:
		return 5_000_000
	case h >= 720:
		return 2_800_000
	case h >= 480:
		return 1_400_000
	default:
		return 800_000
	}
}

// sandboxSpec assembles the common container spec for one operation.
func (p *Pool) sandboxSpec(kind executor.OpKind, cmd []string, inDir, outDir string, hints executor.Hints) executor.RunSpec {
	return executor.RunSpec{
		Image:       p.cfg.SandboxImage,
		Cmd:         cmd,
		MemoryBytes: p.cfg.SandboxMemoryBytes,
		CPUShares:   p.cfg.SandboxCPUShares,
		Kind:        kind,
		Hints:       hints,
		Mounts: []executor.Mount{
			{HostPath: inDir, ContainerPath: containerIn, ReadOnly: true},
			{HostPath: outDir, ContainerPath: containerOut},
		},
	}
}
