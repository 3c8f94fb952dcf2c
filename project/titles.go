package project

import (
	"strings"

	"workshop/fault"
)

const sentinel = "---"

// Entry is one record of the second section of a titles file.
type Entry struct {
	Title      string `json:"title"`
	Translated string `json:"translated,omitempty"`
	URL        string `json:"url"`
}

// Titles is the parsed form of a project's titles file. Lines is the first
// section, one display title per episode; Entries is the second section.
// Translated is a property of the whole file: when set every entry carries
// a translated title line.
type Titles struct {
	Lines      []string `json:"lines"`
	Entries    []Entry  `json:"entries"`
	Translated bool     `json:"translated"`
	// Sentinel records a trailing "---" line, re-emitted on write.
	Sentinel bool `json:"sentinel,omitempty"`
}

// Len is the episode count.
func (t Titles) Len() int { return len(t.Lines) }

func (t Titles) clone() Titles {
	t.Lines = append([]string(nil), t.Lines...)
	t.Entries = append([]Entry(nil), t.Entries...)
	return t
}

// ParseTitles reads a titles file. The episode count is the length of the
// first section; the second section must hold exactly as many entries.
func ParseTitles(text string) (Titles, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")

	var t Titles
	lines := strings.Split(text, "\n")
	if text == "" {
		lines = nil
	}

	// Sentinel, possibly followed by blank lines.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end > 0 && strings.TrimSpace(lines[end-1]) == sentinel {
		t.Sentinel = true
		lines = lines[:end-1]
	}

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
		t.Lines = append(t.Lines, strings.TrimSpace(lines[i]))
		i++
	}
	n := len(t.Lines)
	if i < len(lines) {
		i++ // section separator
	}
	rest := lines[i:]

	if n == 0 {
		if len(trimBlankTail(rest)) > 0 {
			return Titles{}, fault.Invariant("titles file has entries but no titles")
		}
		return t, nil
	}

	width, ok := recordWidth(rest, n)
	if !ok {
		return Titles{}, fault.Invariant("titles file does not hold %d entries", n)
	}
	t.Translated = width == 4
	for len(rest) < width*n {
		rest = append(rest, "")
	}
	t.Entries = make([]Entry, n)
	for k := range t.Entries {
		rec := rest[k*width : (k+1)*width]
		e := Entry{Title: strings.TrimSpace(rec[0])}
		if t.Translated {
			e.Translated = strings.TrimSpace(rec[1])
			e.URL = strings.TrimSpace(rec[2])
		} else {
			e.URL = strings.TrimSpace(rec[1])
		}
		t.Entries[k] = e
	}
	return t, nil
}

// recordWidth decides whether entries are three lines (title, url, blank)
// or four (title, translated, url, blank). An exact length match wins;
// otherwise the first layout whose separators and titles line up is used.
func recordWidth(rest []string, n int) (int, bool) {
	switch len(rest) {
	case 3 * n:
		return 3, true
	case 4 * n:
		return 4, true
	}
	content := trimBlankTail(rest)
	for _, w := range []int{3, 4} {
		if len(content) > w*n || len(content) <= w*(n-1) {
			continue
		}
		ok := true
		for k := 0; k < n && ok; k++ {
			if k*w < len(content) && strings.TrimSpace(content[k*w]) == "" {
				ok = false
			}
			if sep := k*w + w - 1; sep < len(content) && strings.TrimSpace(content[sep]) != "" {
				ok = false
			}
		}
		if ok {
			return w, true
		}
	}
	return 0, false
}

func trimBlankTail(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}

// String serializes t in the on-disk format.
func (t Titles) String() string {
	var b strings.Builder
	for _, l := range t.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for _, e := range t.Entries {
		b.WriteString(e.Title)
		b.WriteByte('\n')
		if t.Translated {
			b.WriteString(e.Translated)
			b.WriteByte('\n')
		}
		b.WriteString(e.URL)
		b.WriteString("\n\n")
	}
	if t.Sentinel {
		b.WriteString(sentinel)
		b.WriteByte('\n')
	}
	return b.String()
}

// insert places an episode at 1-based position at.
func (t *Titles) insert(at int, e Entry) {
	t.Lines = append(t.Lines, "")
	copy(t.Lines[at:], t.Lines[at-1:])
	t.Lines[at-1] = e.Title

	t.Entries = append(t.Entries, Entry{})
	copy(t.Entries[at:], t.Entries[at-1:])
	t.Entries[at-1] = e
}

func (t *Titles) remove(at int) {
	t.Lines = append(t.Lines[:at-1], t.Lines[at:]...)
	t.Entries = append(t.Entries[:at-1], t.Entries[at:]...)
}
