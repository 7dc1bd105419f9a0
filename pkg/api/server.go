package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/pipeline"
	"github.com/storycast/storycast/pkg/progress"
	"github.com/storycast/storycast/pkg/store"
	"github.com/storycast/storycast/pkg/worker"
)

// Handler serves the story and job API
type Handler struct {
	store       store.Store
	worker      *worker.Worker
	orch        *pipeline.Orchestrator
	scraper     pipeline.StorySource
	enhancer    pipeline.TextEnhancer
	logger      *logging.Logger
	defaultRate float64
	startTime   time.Time
}

// NewHandler creates the API handler. enhancer may be nil.
func NewHandler(st store.Store, w *worker.Worker, orch *pipeline.Orchestrator, scraper pipeline.StorySource, enhancer pipeline.TextEnhancer, defaultRate float64, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if defaultRate <= 0 {
		defaultRate = 1.0
	}
	return &Handler{
		store:       st,
		worker:      w,
		orch:        orch,
		scraper:     scraper,
		enhancer:    enhancer,
		logger:      logger,
		defaultRate: defaultRate,
		startTime:   time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/stories", h.CreateStory).Methods("POST")
	r.HandleFunc("/stories", h.ListStories).Methods("GET")
	r.HandleFunc("/stories/{id}", h.GetStory).Methods("GET")
	r.HandleFunc("/stories/{id}", h.DeleteStory).Methods("DELETE")
	r.HandleFunc("/stories/{id}/generate", h.GenerateStory).Methods("POST")
	r.HandleFunc("/stories/{id}/events", h.StreamProgress).Methods("GET")
	r.HandleFunc("/jobs", h.JobsStatus).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// CreateStoryRequest scrapes a new story from a posting URL
type CreateStoryRequest struct {
	URL      string          `json:"url"`
	Enhance  bool            `json:"enhance"`
	Language models.Language `json:"language,omitempty"`
}

// CreateStory scrapes the source URL, optionally runs the LLM enhancement
// pass, and persists a new story record
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req CreateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	story, err := h.scraper.Scrape(r.Context(), req.URL)
	if err != nil {
		h.logger.Error("scrape failed", map[string]interface{}{"url": req.URL, "error": err.Error()})
		http.Error(w, "Failed to scrape story", http.StatusBadGateway)
		return
	}
	story.ID = uuid.New().String()
	story.SourceURL = req.URL
	if req.Language != "" {
		story.Language = req.Language
	}

	if req.Enhance && h.enhancer != nil {
		title, content, err := h.enhancer.EnhanceStory(r.Context(), story.Title, story.Content, story.NormalizedLanguage())
		if err != nil {
			h.logger.Error("enhancement failed", map[string]interface{}{"story_id": story.ID, "error": err.Error()})
			http.Error(w, "Failed to enhance story", http.StatusBadGateway)
			return
		}
		story.Title = title
		story.Content = content
		story.Cover.Title = title
	}

	if err := h.store.SaveStory(story); err != nil {
		h.logger.Error("failed to save story", map[string]interface{}{"story_id": story.ID, "error": err.Error()})
		http.Error(w, "Failed to save story", http.StatusInternalServerError)
		return
	}

	h.logger.Info("story created", map[string]interface{}{"story_id": story.ID, "title": story.Title})
	writeJSON(w, http.StatusCreated, story)
}

// ListStories returns all stored stories, most recently updated first
func (h *Handler) ListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.store.ListStories()
	if err != nil {
		http.Error(w, "Failed to list stories", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stories": stories,
		"count":   len(stories),
	})
}

// GetStory returns one story record
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	story, err := h.store.GetStory(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrStoryNotFound) {
			http.Error(w, "Story not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load story", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

// DeleteStory removes a story and its artifacts
func (h *Handler) DeleteStory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteStory(id); err != nil {
		if errors.Is(err, store.ErrStoryNotFound) {
			http.Error(w, "Story not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to delete story", http.StatusInternalServerError)
		return
	}
	h.logger.Info("story deleted", map[string]interface{}{"story_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// GenerateStoryRequest selects pipeline stages and optional story overrides
type GenerateStoryRequest struct {
	pipeline.Request
	Title   string             `json:"title,omitempty"`
	Content string             `json:"content,omitempty"`
	Gender  models.VoiceGender `json:"gender,omitempty"`
}

// GenerateStory submits a generation job for the story. Re-submitting for the
// same story replaces any queued or running job under that id.
func (h *Handler) GenerateStory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	story, err := h.store.GetStory(id)
	if err != nil {
		if errors.Is(err, store.ErrStoryNotFound) {
			http.Error(w, "Story not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load story", http.StatusInternalServerError)
		return
	}

	var req GenerateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Rate <= 0 {
		req.Rate = h.defaultRate
	}

	// apply narration overrides before the job snapshot is taken
	if req.Title != "" {
		story.Title = req.Title
		story.Cover.Title = req.Title
	}
	if req.Content != "" {
		story.Content = req.Content
	}
	if req.Gender != "" {
		story.Gender = req.Gender
	}
	if err := h.store.SaveStory(story); err != nil {
		http.Error(w, "Failed to save story", http.StatusInternalServerError)
		return
	}

	pipelineReq := req.Request
	tracker := h.worker.Tracker()
	h.worker.Submit(worker.Job{
		ID: id,
		Run: func(ctx context.Context) {
			feed, ok := tracker.Get(id)
			publish := func(ev progress.Event) {
				if ok {
					feed.Publish(ev)
				}
			}
			if err := h.orch.Run(ctx, id, pipelineReq, publish); err != nil {
				h.logger.Error("generation job failed", map[string]interface{}{
					"story_id": id,
					"error":    err.Error(),
				})
			}
		},
	})

	h.logger.Info("generation job submitted", map[string]interface{}{"story_id": id})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": id,
		"status": worker.StatusOnQueue,
	})
}

// JobsStatus returns every tracked job id mapped to its state
func (h *Handler) JobsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.worker.Status())
}

// Health reports process liveness with basic host statistics
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		health["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
