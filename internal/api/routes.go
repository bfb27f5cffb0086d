package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
)

const defaultUsageWindow = 24 * time.Hour

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.Use(s.managementMiddleware())
	{
		v1.GET("/providers", s.handleProviders)
		v1.GET("/models", s.handleModels)
		v1.GET("/models/:model/candidates", s.handleCandidates)
		v1.GET("/stats", s.handleStats)
		v1.GET("/pool", s.handlePool)
		v1.DELETE("/pool/:host", s.handleReleaseHost)
		v1.GET("/usage", s.handleUsage)
		v1.GET("/config", s.handleConfig)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if f := s.deps.Manager.Factory(); f != nil {
		status["providers"] = len(f.Tags())
	}
	c.JSON(http.StatusOK, status)
}

type providerView struct {
	Provider provider.Tag `json:"provider"`
	Rank     int          `json:"rank"`
	Enabled  bool         `json:"enabled"`
	Reason   string       `json:"reason,omitempty"`
}

func (s *Server) handleProviders(c *gin.Context) {
	var out []providerView
	if f := s.deps.Manager.Factory(); f != nil {
		for _, tag := range f.Tags() {
			out = append(out, providerView{Provider: tag, Rank: tag.Rank(), Enabled: true})
		}
	}
	if cfg := s.config(); cfg != nil {
		for _, d := range cfg.Disabled {
			out = append(out, providerView{Provider: d.Tag, Rank: d.Tag.Rank(), Reason: d.Reason})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleModels(c *gin.Context) {
	f := s.deps.Manager.Factory()
	if f == nil {
		c.JSON(http.StatusOK, gin.H{"data": []provider.Pair{}})
		return
	}
	pairs := f.ListAllProviderModelPairs()
	if filter := strings.TrimSpace(c.Query("provider")); filter != "" {
		tag, err := provider.ParseTag(filter)
		if err != nil {
			writeError(c, err)
			return
		}
		kept := pairs[:0]
		for _, p := range pairs {
			if p.Provider == tag {
				kept = append(kept, p)
			}
		}
		pairs = kept
	}
	if pairs == nil {
		pairs = []provider.Pair{}
	}
	c.JSON(http.StatusOK, gin.H{"data": pairs})
}

func (s *Server) handleCandidates(c *gin.Context) {
	var explicit provider.Tag
	if raw := strings.TrimSpace(c.Query("provider")); raw != "" {
		tag, err := provider.ParseTag(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		explicit = tag
	}
	f := s.deps.Manager.Factory()
	if f == nil {
		writeError(c, provider.UnsupportedModelError(c.Param("model"), explicit))
		return
	}
	candidates, err := f.Resolve(c.Param("model"), explicit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]provider.Pair, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, provider.Pair{Provider: cand.Tag, Model: cand.Model, UpstreamModel: cand.UpstreamModel})
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.deps.Manager.Stats().Snapshot()})
}

type hostView struct {
	Host     string    `json:"host"`
	LastUsed time.Time `json:"last_used"`
}

func (s *Server) handlePool(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection pool not available"})
		return
	}
	hosts := s.deps.Pool.Hosts()
	out := make([]hostView, 0, len(hosts))
	for h, t := range hosts {
		out = append(out, hostView{Host: h, LastUsed: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	c.JSON(http.StatusOK, gin.H{"hosts": out, "created": s.deps.Pool.Created()})
}

func (s *Server) handleReleaseHost(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection pool not available"})
		return
	}
	host := strings.TrimSpace(c.Param("host"))
	s.deps.Pool.ReleaseHost(host)
	log.Infof("connection pool: released %s via admin API", host)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUsage(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage persistence disabled"})
		return
	}
	window := defaultUsageWindow
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration such as 24h"})
			return
		}
		window = d
	}
	since := time.Now().Add(-window)
	rows, err := s.deps.Usage.Summary(c.Request.Context(), since)
	if err != nil {
		log.WithError(err).Error("usage summary failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage summary failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since.UTC(), "rows": rows})
}

// handleConfig returns the active configuration; credential fields are
// excluded by their json tags.
func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.config())
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch provider.KindOf(err) {
	case provider.KindUnsupportedModel:
		status = http.StatusNotFound
	case provider.KindUnknownProvider, provider.KindInvalidRequest:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": gin.H{"kind": provider.KindOf(err).String(), "message": err.Error()}})
}
