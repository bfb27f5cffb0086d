package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	maxFailures = 5
	banDuration = 30 * time.Minute
)

type attemptInfo struct {
	count        int
	blockedUntil time.Time
}

// managementMiddleware guards the /v1 group with the admin key when
// admin.require-key is set. Remote clients are banned for banDuration after
// maxFailures wrong keys; loopback clients never are.
func (s *Server) managementMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.config()
		if cfg == nil || !cfg.Admin.RequireKey {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		localClient := clientIP == "127.0.0.1" || clientIP == "::1"

		fail := func() {}
		if !localClient {
			s.attemptsMu.Lock()
			ai := s.failed[clientIP]
			if ai != nil && !ai.blockedUntil.IsZero() {
				if time.Now().Before(ai.blockedUntil) {
					remaining := time.Until(ai.blockedUntil).Round(time.Second)
					s.attemptsMu.Unlock()
					c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("IP banned due to too many failed attempts. Try again in %s", remaining)})
					return
				}
				ai.blockedUntil = time.Time{}
				ai.count = 0
			}
			s.attemptsMu.Unlock()

			fail = func() {
				s.attemptsMu.Lock()
				aip := s.failed[clientIP]
				if aip == nil {
					aip = &attemptInfo{}
					s.failed[clientIP] = aip
				}
				aip.count++
				if aip.count >= maxFailures {
					aip.blockedUntil = time.Now().Add(banDuration)
					aip.count = 0
				}
				s.attemptsMu.Unlock()
			}
		}

		key := s.managementKey()
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not configured"})
			return
		}

		provided := bearerToken(c.GetHeader("Authorization"))
		if provided == "" {
			provided = strings.TrimSpace(c.GetHeader("X-Management-Key"))
		}
		if provided == "" {
			fail()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			fail()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}

		if !localClient {
			s.attemptsMu.Lock()
			delete(s.failed, clientIP)
			s.attemptsMu.Unlock()
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
