package playlist

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ytget/ytdlp/v2"

	"workshop/fault"
)

// Lister enumerates the videos of a playlist by id. The bootstrapper falls
// back to it when the page markup yields no entries.
type Lister interface {
	List(ctx context.Context, playlistID string) ([]Entry, error)
}

// YTDLPLister lists playlist items through the innertube client of
// github.com/ytget/ytdlp.
type YTDLPLister struct {
	Timeout time.Duration
}

func (l YTDLPLister) List(ctx context.Context, playlistID string) ([]Entry, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Classify(ctx.Err())
		}
		return nil, fault.Wrap(fault.KindExternal, err, "list playlist %s", playlistID)
	}
	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		title := strings.Join(strings.Fields(it.Title), " ")
		if title == "" {
			title = it.VideoID
		}
		entries = append(entries, Entry{Title: title, VideoID: it.VideoID, Thumbnail: ThumbnailURL(it.VideoID)})
	}
	return entries, nil
}

// ThumbnailURL is the public high quality thumbnail of a video.
func ThumbnailURL(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}

// PlaylistID returns the list parameter of a playlist URL, or "".
func PlaylistID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Query().Get("list")
}
