package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"workshop/config"
)

func SetupRouter(h *Handler) *gin.Engine {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("asciipath", config.ASCIIPath)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(h.settings))
	{
		v1.GET("/events", h.handleEvents)
		v1.GET("/history", h.handleHistory)
		v1.POST("/playlists", h.handleBootstrapPlaylist)

		v1.GET("/projects", h.handleListProjects)
		v1.POST("/projects", h.handleCreateProject)
		v1.GET("/projects/detail", h.handleGetProject)
		v1.DELETE("/projects", h.handleDeleteProject)
		v1.POST("/projects/import", h.handleImportProject)
		v1.PATCH("/projects/rename", h.handleRenameProject)
		v1.GET("/projects/adjacent", h.handleAdjacentProject)
		v1.POST("/projects/episodes", h.handleInsertEpisode)
		v1.DELETE("/projects/episodes", h.handleDeleteEpisode)
		v1.PUT("/projects/episodes/line", h.handleEditEpisodeLine)
		v1.PUT("/projects/episodes/url", h.handleEditEpisodeURL)

		kind := v1.Group("/:kind", h.resolveKind)
		kind.GET("/tasks", h.handleListTasks)
		kind.POST("/tasks", h.handleCreateTask)
		kind.GET("/tasks/:taskId", h.handleGetTask)
		kind.DELETE("/tasks/:taskId", h.handleRemoveTask)
		kind.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		kind.PATCH("/tasks/:taskId/retry", h.handleRetryTask)
		kind.PUT("/concurrency", h.handleSetConcurrency)
	}
	return r
}
