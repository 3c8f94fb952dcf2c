// Package subtitle reads and writes SubRip cues.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

var reTiming = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d+):(\d{2}):(\d{2})[,.](\d{1,3})`)

// Parse reads every cue from r. Blocks without a timing line are skipped;
// a missing or malformed index is replaced by the cue's position.
func Parse(r io.Reader) ([]Cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		cues  []Cue
		block []string
		first = true
	)
	flush := func() {
		if c, ok := parseBlock(block); ok {
			if c.Index <= 0 {
				c.Index = len(cues) + 1
			}
			cues = append(cues, c)
		}
		block = block[:0]
	}
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}
	flush()
	return cues, nil
}

func parseBlock(lines []string) (Cue, bool) {
	var c Cue
	for i, l := range lines {
		m := reTiming.FindStringSubmatch(strings.TrimSpace(l))
		if m == nil {
			continue
		}
		if i > 0 {
			c.Index, _ = strconv.Atoi(strings.TrimSpace(lines[i-1]))
		}
		c.Start = timestamp(m[1:5])
		c.End = timestamp(m[5:9])
		c.Text = strings.Join(lines[i+1:], "\n")
		return c, true
	}
	return c, false
}

func timestamp(p []string) time.Duration {
	h, _ := strconv.Atoi(p[0])
	m, _ := strconv.Atoi(p[1])
	s, _ := strconv.Atoi(p[2])
	frac := p[3]
	for len(frac) < 3 {
		frac += "0"
	}
	ms, _ := strconv.Atoi(frac)
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(ms)*time.Millisecond
}

// FormatTimestamp renders d as HH:MM:SS,mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// Format serializes cues in SubRip form, each followed by a blank line.
func Format(cues []Cue) string {
	var b strings.Builder
	for _, c := range cues {
		b.WriteString(strconv.Itoa(c.Index))
		b.WriteByte('\n')
		b.WriteString(FormatTimestamp(c.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(c.End))
		b.WriteByte('\n')
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Batch splits cues into consecutive groups of at most size cues.
func Batch(cues []Cue, size int) [][]Cue {
	if size < 1 {
		size = 1
	}
	var out [][]Cue
	for start := 0; start < len(cues); start += size {
		end := start + size
		if end > len(cues) {
			end = len(cues)
		}
		out = append(out, cues[start:end])
	}
	return out
}
