package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aqwacloud/transfercore/pkg/provider"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

type connectionRequest struct {
	ID           string    `json:"id" binding:"required"`
	Provider     string    `json:"provider" binding:"required"`
	AccessToken  string    `json:"access_token" binding:"required"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *connectionRequest) toConnection(userID string) *provider.Connection {
	return provider.NewConnection(r.ID, userID, provider.Provider(r.Provider), provider.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
	})
}

type startSessionRequest struct {
	UserID       string                     `json:"user_id" binding:"required"`
	Source       connectionRequest          `json:"source" binding:"required"`
	Dest         connectionRequest          `json:"dest" binding:"required"`
	Files        []*provider.FileDescriptor `json:"files" binding:"required"`
	DestFolderID string                     `json:"dest_folder_id"`
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.manager.StartSession(
		c.Request.Context(),
		req.UserID,
		req.Source.toConnection(req.UserID),
		req.Dest.toConnection(req.UserID),
		req.Files,
		req.DestFolderID,
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.manager.Session(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleStopSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.manager.StopSession(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if job, err := s.manager.Job(id); err == nil {
		c.JSON(http.StatusOK, job)
		return
	}
	// Fall back to storage for jobs from previous processes.
	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	jobs, err := s.store.ListJobsByUser(userID, transfer.JobStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.manager.CancelTransfer(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handlePauseJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.manager.PauseJob(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleResumeJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.manager.ResumeJob(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.manager.RetryJob(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.queue.Stats())
}

func (s *Server) handleListConflicts(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{"conflicts": []*transfer.Conflict{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": s.queue.Conflicts()})
}

type resolveConflictRequest struct {
	Winner string `json:"winner" binding:"required,oneof=source dest"`
}

func (s *Server) handleResolveConflict(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.queue == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "queue not enabled"})
		return
	}
	if err := s.queue.ResolveConflictManually(id, transfer.Winner(req.Winner)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleRetryFailed(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{"requeued": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": s.queue.RetryFailedSyncs()})
}

type validateConnectionRequest struct {
	UserID     string            `json:"user_id" binding:"required"`
	Connection connectionRequest `json:"connection" binding:"required"`
}

func (s *Server) handleValidateConnection(c *gin.Context) {
	var req validateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	valid, err := s.manager.ValidateConnection(c.Request.Context(), req.Connection.toConnection(req.UserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (s *Server) handleUsage(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	usage, err := s.store.GetUsage(userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleEvents streams transfer events to the client as server-sent
// events until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	events := make(chan transfer.Event, 64)
	subID := s.notifier.Subscribe(func(e transfer.Event) {
		select {
		case events <- e:
		default:
			// A slow consumer drops events rather than stalling
			// transfers.
		}
	})
	defer s.notifier.Unsubscribe(subID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Send headers right away so clients see the stream open before the
	// first event arrives.
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-events:
			c.SSEvent(string(e.Type), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type addScheduleRequest struct {
	UserID       string            `json:"user_id" binding:"required"`
	CronSpec     string            `json:"cron_spec" binding:"required"`
	Source       connectionRequest `json:"source" binding:"required"`
	Dest         connectionRequest `json:"dest" binding:"required"`
	SourceFolder string            `json:"source_folder"`
	DestFolder   string            `json:"dest_folder"`
}

func (s *Server) handleAddSchedule(c *gin.Context) {
	var req addScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.scheduler == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "scheduler not enabled"})
		return
	}
	st, err := s.scheduler.Add(
		req.CronSpec,
		req.UserID,
		req.Source.toConnection(req.UserID),
		req.Dest.toConnection(req.UserID),
		req.SourceFolder,
		req.DestFolder,
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListSchedules(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []*transfer.ScheduledTransfer{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": s.scheduler.List()})
}

func (s *Server) handleRemoveSchedule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if s.scheduler == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "scheduler not enabled"})
		return
	}
	if err := s.scheduler.Remove(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps core and provider errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var te *transfer.TransferError
	switch {
	case provider.IsNotFound(err):
		status = http.StatusNotFound
	case provider.IsAuth(err):
		status = http.StatusUnauthorized
	case provider.IsValidation(err):
		status = http.StatusBadRequest
	case asTransferError(err, &te):
		switch te.Code {
		case "JOB_NOT_FOUND", "SESSION_NOT_FOUND":
			status = http.StatusNotFound
		case "JOB_TERMINAL", "JOB_ACTIVE", "SESSION_INACTIVE", "RETRIES_EXHAUSTED":
			status = http.StatusConflict
		case "NO_FILES":
			status = http.StatusBadRequest
		}
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func asTransferError(err error, target **transfer.TransferError) bool {
	te, ok := err.(*transfer.TransferError)
	if ok {
		*target = te
	}
	return ok
}
