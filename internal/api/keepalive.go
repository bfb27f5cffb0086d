package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/nghyane/llm-relay/internal/logging"
)

// keepAlive fires onTimeout once when no heartbeat arrived for timeout. A
// relay started by a supervisor exits when the supervisor stops pinging.
type keepAlive struct {
	timeout   time.Duration
	onTimeout func()
	lastBeat  atomic.Int64
	stop      chan struct{}
	stopOnce  sync.Once
}

func newKeepAlive(timeout time.Duration, onTimeout func()) *keepAlive {
	k := &keepAlive{timeout: timeout, onTimeout: onTimeout, stop: make(chan struct{})}
	k.beat()
	return k
}

func (k *keepAlive) beat() {
	k.lastBeat.Store(time.Now().UnixNano())
}

func (k *keepAlive) idle() time.Duration {
	return time.Since(time.Unix(0, k.lastBeat.Load()))
}

func (k *keepAlive) watch() {
	tick := k.timeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if idle := k.idle(); idle >= k.timeout {
				log.Warnf("keep-alive idle for %s, shutting down", idle.Round(time.Millisecond))
				k.onTimeout()
				return
			}
		case <-k.stop:
			return
		}
	}
}

func (k *keepAlive) close() {
	k.stopOnce.Do(func() { close(k.stop) })
}

func (s *Server) enableKeepAlive(timeout time.Duration, onTimeout func()) {
	s.keepAlive = newKeepAlive(timeout, onTimeout)
	s.engine.GET("/keep-alive", s.managementMiddleware(), s.handleKeepAlive)
	go s.keepAlive.watch()
}

func (s *Server) handleKeepAlive(c *gin.Context) {
	s.keepAlive.beat()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timeout": s.keepAlive.timeout.String()})
}
