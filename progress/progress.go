// Package progress turns tool output lines into monotonic progress updates.
package progress

import (
	"regexp"
	"strconv"
	"time"

	"workshop/process"
)

type Update struct {
	Percent  float64 `json:"percent"`
	Speed    string  `json:"speed,omitempty"`
	Status   string  `json:"status,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

// Parser inspects one output line. ok is false for lines that carry no
// progress.
type Parser interface {
	Parse(stream process.Stream, line string) (u Update, ok bool)
}

// FatalDetector is implemented by parsers that recognise failure output from
// tools that exit zero anyway.
type FatalDetector interface {
	Fatal(line string) (message string, ok bool)
}

// monotonic keeps reported percentages inside [0,100] and never lets them go
// backwards.
type monotonic struct {
	last float64
}

func (m *monotonic) clamp(p float64) float64 {
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	if p < m.last {
		p = m.last
	}
	m.last = p
	return p
}

var reDuration = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseDuration extracts the input duration from a transcoder banner line.
func ParseDuration(line string) (time.Duration, bool) {
	m := reDuration.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	d, ok := clock(m[1], m[2], m[3])
	return d, ok && d > 0
}

func clock(h, m, s string) (time.Duration, bool) {
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	total := time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	return total + time.Duration(secs*float64(time.Second)), true
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
