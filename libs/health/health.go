package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Manager tracks readiness. The service flips it off before shutdown so the
// consumer group can drain while load balancers stop routing probes here.
type Manager struct {
	ready atomic.Bool
	since atomic.Int64
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	m.SetReady(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
	if ready {
		m.since.Store(time.Now().UTC().Unix())
	} else {
		m.since.Store(0)
	}
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// ReadySince reports when the service last became ready.
func (m *Manager) ReadySince() (time.Time, bool) {
	ts := m.since.Load()
	if ts == 0 {
		return time.Time{}, false
	}
	return time.Unix(ts, 0).UTC(), true
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if since, ok := m.ReadySince(); ok {
			c.JSON(http.StatusOK, gin.H{
				"status":      "ready",
				"ready_since": since.Format(time.RFC3339),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	}
}
