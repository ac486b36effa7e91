package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/chat"
	"github.com/mikeboe/deep-research/pkg/research"
)

// JobService manages research jobs.
type JobService interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
}

// ChatService holds conversations about research jobs.
type ChatService interface {
	CreateConversation(ctx context.Context, jobID *uuid.UUID) (*chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	GetHistory(ctx context.Context, id uuid.UUID) ([]chat.Message, error)
	SendMessage(ctx context.Context, id uuid.UUID, content string) (iter.Seq2[chat.StreamEvent, error], error)
}

type Handler struct {
	Jobs JobService
	// Chat is nil when no chat model is configured.
	Chat ChatService
	MCP  http.Handler
}

func NewHandler(jobs JobService, c ChatService, mcpHandler http.Handler) *Handler {
	return &Handler{Jobs: jobs, Chat: c, MCP: mcpHandler}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	if h.MCP != nil {
		r.Any("/mcp", gin.WrapH(h.MCP))
	}
	api := r.Group("/api")
	{
		api.POST("/research", h.createJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.GET("/research/:id/logs", h.getJobLogs)

		chatRoutes := api.Group("/chat", h.requireChat)
		chatRoutes.POST("/conversations", h.createConversation)
		chatRoutes.GET("/conversations", h.listConversations)
		chatRoutes.GET("/conversations/:id/messages", h.getMessages)
		chatRoutes.POST("/conversations/:id/messages", h.sendMessage)
	}
}

func (h *Handler) requireChat(c *gin.Context) {
	if h.Chat == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured"})
		return
	}
	c.Next()
}

// paramID parses the :id path parameter, writing a 400 when it is invalid.
func paramID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Jobs.CreateJob(c.Request.Context(), req)
	if errors.Is(err, research.ErrInvalidParams) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Jobs.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Return empty list instead of null
	if jobs == nil {
		jobs = []Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	job, err := h.Jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	logs, err := h.Jobs.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) createConversation(c *gin.Context) {
	var req struct {
		JobID *uuid.UUID `json:"job_id"`
	}
	// An empty body starts a conversation across all jobs.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	conv, err := h.Chat.CreateConversation(c.Request.Context(), req.JobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	convs, err := h.Chat.ListConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) getMessages(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	msgs, err := h.Chat.GetHistory(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) sendMessage(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next, err := h.Chat.SendMessage(c.Request.Context(), id, req.Content)
	if errors.Is(err, chat.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for event, err := range next {
		if err != nil {
			// The stream has started; the error can only be sent as an event.
			writeEvent(c, chat.StreamEvent{Type: "error", Payload: err.Error()})
			return
		}
		if !writeEvent(c, event) {
			return
		}
	}
}

func writeEvent(c *gin.Context, event chat.StreamEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
