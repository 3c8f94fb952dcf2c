package playlist

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

const rendererMarker = `"playlistVideoRenderer":{`

var (
	reVideoID   = regexp.MustCompile(`"videoId":"([A-Za-z0-9_-]{6,})"`)
	reThumbnail = regexp.MustCompile(`"thumbnails":\[\{"url":"((?:[^"\\]|\\.)*)"`)
	reRunsTitle = regexp.MustCompile(`"title":\{"runs":\[\{"text":"((?:[^"\\]|\\.)*)"`)
	reSimple    = regexp.MustCompile(`"title":\{(?:"accessibility":\{[^}]*\}\},)?"simpleText":"((?:[^"\\]|\\.)*)"`)
	reOGTitle   = regexp.MustCompile(`<meta\s+(?:property|name)="og:title"\s+content="([^"]*)"`)
)

// Entry is one video of a playlist page.
type Entry struct {
	Title     string `json:"title"`
	VideoID   string `json:"videoId"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

func (e Entry) URL() string {
	return "https://www.youtube.com/watch?v=" + e.VideoID
}

// Parse extracts the playlist title and its entries, in page order, from
// the JSON embedded in a playlist page. Entries without a video id are
// skipped.
func Parse(page string) (title string, entries []Entry) {
	if m := reOGTitle.FindStringSubmatch(page); m != nil {
		title = strings.TrimSpace(html.UnescapeString(m[1]))
	}

	segments := strings.Split(page, rendererMarker)
	for _, seg := range segments[1:] {
		id := reVideoID.FindStringSubmatch(seg)
		if id == nil {
			continue
		}
		e := Entry{VideoID: id[1]}
		if m := reRunsTitle.FindStringSubmatch(seg); m != nil {
			e.Title = unescape(m[1])
		} else if m := reSimple.FindStringSubmatch(seg); m != nil {
			e.Title = unescape(m[1])
		}
		if e.Title == "" {
			e.Title = e.VideoID
		}
		if m := reThumbnail.FindStringSubmatch(seg); m != nil {
			e.Thumbnail = unescape(m[1])
		}
		entries = append(entries, e)
	}
	return title, entries
}

// unescape decodes a JSON string body. Titles end up as single lines.
func unescape(s string) string {
	s = strings.ReplaceAll(s, `\/`, "/")
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		s = u
	}
	s = strings.Join(strings.Fields(s), " ")
	return s
}
