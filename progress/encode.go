package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"workshop/process"
)

var (
	reStatsTime  = regexp.MustCompile(`\btime=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	reStatsSpeed = regexp.MustCompile(`\bspeed=\s*([^\s]+)`)
	reStatsFrame = regexp.MustCompile(`\bframe=\s*(\d+)`)
)

// EncodeParser follows a transcoder run. Stdout carries the key=value block
// written by "-progress pipe:1", one update per block; stderr carries the
// classic stats line. Percent is out_time relative to the probed duration.
type EncodeParser struct {
	mono  monotonic
	total time.Duration

	outTime time.Duration
	speed   string
	frame   string
}

func NewEncodeParser(total time.Duration) *EncodeParser {
	return &EncodeParser{total: total}
}

func (p *EncodeParser) Parse(stream process.Stream, line string) (Update, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Update{}, false
	}
	if stream == process.Stderr {
		return p.parseStats(line)
	}
	return p.parseKeyValue(line)
}

func (p *EncodeParser) parseKeyValue(line string) (Update, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return Update{}, false
	}
	value = strings.TrimSpace(value)
	switch key {
	case "out_time_us", "out_time_ms":
		// Both fields are microseconds despite the name of the latter.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.outTime = time.Duration(us) * time.Microsecond
		}
	case "speed":
		if value != "N/A" {
			p.speed = value
		}
	case "frame":
		p.frame = value
	case "progress":
		if value == "end" {
			return Update{Percent: p.mono.clamp(100), Speed: p.speed, Status: "finished"}, true
		}
		return p.update(), true
	}
	return Update{}, false
}

func (p *EncodeParser) parseStats(line string) (Update, bool) {
	m := reStatsTime.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	d, ok := clock(m[1], m[2], m[3])
	if !ok {
		return Update{}, false
	}
	p.outTime = d
	if sm := reStatsSpeed.FindStringSubmatch(line); sm != nil && sm[1] != "N/A" {
		p.speed = sm[1]
	}
	if fm := reStatsFrame.FindStringSubmatch(line); fm != nil {
		p.frame = fm[1]
	}
	return p.update(), true
}

func (p *EncodeParser) update() Update {
	var pct float64
	if p.total > 0 {
		pct = round2(float64(p.outTime) / float64(p.total) * 100)
	}
	status := fmt.Sprintf("time %s", formatClock(p.outTime))
	if p.frame != "" {
		status += " frame " + p.frame
	}
	return Update{Percent: p.mono.clamp(pct), Speed: p.speed, Status: status}
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
