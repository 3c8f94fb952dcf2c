package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"workshop/events"
)

const streamBuffer = 256

// handleEvents streams bus events as server-sent events. ?topics=a,b limits
// the stream; the default is every topic.
func (h *Handler) handleEvents(c *gin.Context) {
	var topics []events.Topic
	for _, t := range strings.Split(c.Query("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, events.Topic(t))
		}
	}
	ch := h.bus.Stream(c.Request.Context(), streamBuffer, topics...)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// Headers go out before the first event so clients see the stream open.
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Topic), ev)
		return true
	})
}

type playlistRequest struct {
	URL  string `json:"url" binding:"required,url"`
	Name string `json:"name"`
	// Wait blocks until the project is created and downloads are queued.
	Wait bool `json:"wait"`
}

func (h *Handler) handleBootstrapPlaylist(c *gin.Context) {
	var req playlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Wait {
		runID := h.playlists.Start(h.baseCtx, req.URL, req.Name)
		c.JSON(http.StatusAccepted, gin.H{"runId": runID})
		return
	}
	res, err := h.playlists.Run(c.Request.Context(), req.URL, req.Name)
	if err != nil && res.Project.Path == "" {
		writeError(c, err)
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
