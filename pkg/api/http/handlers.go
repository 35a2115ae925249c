package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dwiprep/dwiprep/internal/domain"
)

// runView is the JSON shape of the whole run.
type runView struct {
	RunID        string                    `json:"run_id"`
	Status       domain.RunStatus          `json:"status"`
	StartedAt    time.Time                 `json:"started_at"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	Participants map[string]participantView `json:"participants"`
}

// participantView is the JSON shape of one participant's progress.
type participantView struct {
	Status domain.ParticipantStatus `json:"status"`
	Stages []*domain.StageRecord    `json:"stages"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	c.JSON(http.StatusOK, buildRunView(s.status.Snapshot()))
}

func (s *Server) handleGetParticipant(c *gin.Context) {
	id := domain.ParticipantID(c.Param("id"))
	view := buildRunView(s.status.Snapshot())

	pv, ok := view.Participants[string(id)]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found: " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, pv)
}

func buildRunView(rec *domain.RunRecord) runView {
	view := runView{
		RunID:        rec.RunID,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		Participants: make(map[string]participantView, len(rec.Participants)),
	}
	for p, status := range rec.Participants {
		view.Participants[string(p)] = participantView{Status: status}
	}
	for key, sr := range rec.Stages {
		pv := view.Participants[string(key.Participant)]
		pv.Stages = append(pv.Stages, sr)
		view.Participants[string(key.Participant)] = pv
	}
	for p, pv := range view.Participants {
		sort.Slice(pv.Stages, func(i, j int) bool { return pv.Stages[i].Stage < pv.Stages[j].Stage })
		view.Participants[p] = pv
	}
	return view
}
