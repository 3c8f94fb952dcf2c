package progress

import (
	"regexp"
	"strconv"
	"strings"

	"workshop/process"
)

var (
	reDownloadPct   = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)
	reDownloadSpeed = regexp.MustCompile(`\bat\s+([^\s]+)`)
	reDownloadETA   = regexp.MustCompile(`\bETA\s+([^\s]+)`)
	reDestination   = regexp.MustCompile(`^\[download\] Destination:\s+(.+)$`)
	reMerging       = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	reAlreadyDone   = regexp.MustCompile(`^\[download\]\s+(.+) has already been downloaded`)
)

// DownloadParser reads downloader progress lines. The first destination or
// merge target seen is latched as the task's filename.
type DownloadParser struct {
	mono     monotonic
	filename string
}

func NewDownloadParser() *DownloadParser {
	return &DownloadParser{}
}

func (p *DownloadParser) Filename() string {
	return p.filename
}

func (p *DownloadParser) latch(name string) {
	if p.filename == "" {
		p.filename = strings.TrimSpace(name)
	}
}

func (p *DownloadParser) Parse(_ process.Stream, line string) (Update, bool) {
	line = strings.TrimSpace(line)

	if m := reDestination.FindStringSubmatch(line); m != nil {
		p.latch(m[1])
		return Update{}, false
	}
	if m := reMerging.FindStringSubmatch(line); m != nil {
		p.latch(m[1])
		return Update{}, false
	}
	if m := reAlreadyDone.FindStringSubmatch(line); m != nil {
		p.latch(m[1])
		return Update{Percent: p.mono.clamp(100), Status: "already downloaded", Filename: p.filename}, true
	}

	m := reDownloadPct.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Update{}, false
	}

	u := Update{Percent: p.mono.clamp(pct), Filename: p.filename}
	if sm := reDownloadSpeed.FindStringSubmatch(line); sm != nil {
		u.Speed = sm[1]
	}
	switch {
	case u.Percent >= 100:
		u.Status = "finished"
	default:
		u.Status = "downloading"
		if em := reDownloadETA.FindStringSubmatch(line); em != nil {
			u.Status = "ETA " + em[1]
		}
	}
	return u, true
}
