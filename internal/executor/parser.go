package executor

import (
	"regexp"
	"strconv"
	"strings"
)

// Hints carries whatever is known about the sandboxed operation's nominal
// size. Zero values mean unknown; parsers that need a missing hint stay
// silent.
type Hints struct {
	DurationSeconds float64
	TotalFrames     int64
	ExpectedFiles   int
}

// LineParser extracts a best-effort progress fraction in [0,1] from one
// line of tool output. Parsers are heuristic: a returned fraction is an
// estimate, never a correctness guarantee.
type LineParser interface {
	Parse(line string) (fraction float64, ok bool)
}

// newParsers returns the matcher chain in priority order: exact timecode
// first, frame count against a known total next, raw frame count as last
// resort, plus output-file emission counting for batch operations.
func newParsers(h Hints) []LineParser {
	return []LineParser{
		&timecodeParser{duration: h.DurationSeconds},
		&frameParser{total: h.TotalFrames},
		&rawFrameParser{},
		&fileEmissionParser{expected: h.ExpectedFiles},
	}
}

var (
	reTimecode = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)
	reFrame    = regexp.MustCompile(`frame=\s*(\d+)`)
	reOpening  = regexp.MustCompile(`Opening '([^']+)' for writing`)
)

// timecodeParser reads ffmpeg's HH:MM:SS.ff stderr progress against the
// known source duration.
type timecodeParser struct {
	duration float64
}

func (p *timecodeParser) Parse(line string) (float64, bool) {
	if p.duration <= 0 {
		return 0, false
	}
	m := reTimecode.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.ParseFloat(m[1], 64)
	mins, _ := strconv.ParseFloat(m[2], 64)
	secs, _ := strconv.ParseFloat(m[3], 64)
	elapsed := hours*3600 + mins*60 + secs
	if m[4] != "" {
		if frac, err := strconv.ParseFloat("0."+m[4], 64); err == nil {
			elapsed += frac
		}
	}
	f := elapsed / p.duration
	if f > 1 {
		f = 1
	}
	return f, true
}

// frameParser reads frame= counters against a known total frame count.
type frameParser struct {
	total int64
}

func (p *frameParser) Parse(line string) (float64, bool) {
	if p.total <= 0 {
		return 0, false
	}
	m := reFrame.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	frame, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	f := float64(frame) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f, true
}

// rawFrameParser maps a bare frame counter onto an asymptotic curve when no
// total is known. It only ever approaches completion; the executor caps it
// well below 100.
type rawFrameParser struct{}

func (p *rawFrameParser) Parse(line string) (float64, bool) {
	m := reFrame.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	frame, err := strconv.ParseFloat(m[1], 64)
	if err != nil || frame <= 0 {
		return 0, false
	}
	return frame / (frame + 3000), true
}

// fileEmissionParser counts emitted output files (segments, thumbnails)
// against an expected total.
type fileEmissionParser struct {
	expected int
	seen     int
}

func (p *fileEmissionParser) Parse(line string) (float64, bool) {
	if p.expected <= 0 {
		return 0, false
	}
	if !reOpening.MatchString(line) && !strings.Contains(line, "segment:'") {
		return 0, false
	}
	p.seen++
	f := float64(p.seen) / float64(p.expected)
	if f > 1 {
		f = 1
	}
	return f, true
}
