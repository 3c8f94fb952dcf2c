package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"workshop/project"
)

type projectQuery struct {
	Path string `form:"path" binding:"required"`
}

type createProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	Episodes      int    `json:"episodes" binding:"required,min=1,max=999"`
	OriginalTitle string `json:"originalTitle" binding:"required"`
}

type importProjectRequest struct {
	Path string             `json:"path" binding:"required"`
	Mode project.ImportMode `json:"mode" binding:"required,oneof=copy link"`
}

type renameProjectRequest struct {
	Path    string `json:"path" binding:"required"`
	NewName string `json:"newName" binding:"required"`
}

type insertEpisodeRequest struct {
	Path            string `json:"path" binding:"required"`
	At              int    `json:"at" binding:"required,min=1"`
	OriginalTitle   string `json:"originalTitle" binding:"required"`
	TranslatedTitle string `json:"translatedTitle"`
	URL             string `json:"url" binding:"omitempty,url"`
}

type deleteEpisodeQuery struct {
	Path string `form:"path" binding:"required"`
	At   int    `form:"at" binding:"required,min=1"`
}

type editEpisodeRequest struct {
	Path  string `json:"path" binding:"required"`
	At    int    `json:"at" binding:"required,min=1"`
	Value string `json:"value"`
}

type adjacentQuery struct {
	Path      string `form:"path" binding:"required"`
	Direction string `form:"direction" binding:"required,oneof=prev next"`
}

func (h *Handler) handleListProjects(c *gin.Context) {
	ps, err := h.projects.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h *Handler) handleGetProject(c *gin.Context) {
	var q projectQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.Get(q.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.Create(req.Name, req.Episodes, req.OriginalTitle)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) handleImportProject(c *gin.Context) {
	var req importProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.Import(req.Path, req.Mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// handleDeleteProject removes an owned project or unlinks a linked one.
func (h *Handler) handleDeleteProject(c *gin.Context) {
	var q projectQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.projects.Delete(q.Path); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Project deleted"})
}

func (h *Handler) handleRenameProject(c *gin.Context) {
	var req renameProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path, err := h.projects.Rename(req.Path, req.NewName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (h *Handler) handleAdjacentProject(c *gin.Context) {
	var q adjacentQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next := project.NextPath
	if q.Direction == "prev" {
		next = project.PreviousPath
	}
	path, ok := next(q.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no " + q.Direction + " episode file"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (h *Handler) handleInsertEpisode(c *gin.Context) {
	var req insertEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.InsertEpisode(req.Path, req.At, req.OriginalTitle, req.TranslatedTitle, req.URL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleDeleteEpisode(c *gin.Context) {
	var q deleteEpisodeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.DeleteEpisode(q.Path, q.At)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleEditEpisodeLine(c *gin.Context) {
	h.editEpisode(c, h.projects.EditEpisodeLine)
}

func (h *Handler) handleEditEpisodeURL(c *gin.Context) {
	h.editEpisode(c, h.projects.EditEpisodeURL)
}

func (h *Handler) editEpisode(c *gin.Context, fn func(path string, at int, value string) error) {
	var req editEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := fn(req.Path, req.At, req.Value); err != nil {
		writeError(c, err)
		return
	}
	p, err := h.projects.Get(req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
