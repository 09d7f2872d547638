package mesh

import (
	"context"
	"net/http"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// probeLoop polls one service's health URL on its cadence until the
// service is deregistered. Probe failures count against the breaker just
// like user calls; health flips are published as mesh.health_changed.
func (m *Mesh) probeLoop(svc *service) {
	defer close(svc.probeDone)

	interval := svc.desc.HealthInterval
	if interval <= 0 {
		interval = m.cfg.HealthProbeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(svc)
		case <-svc.stopProbe:
			return
		}
	}
}

func (m *Mesh) probeOnce(svc *service) {
	ok := probeURL(context.Background(), svc.desc.HealthURL, m.cfg.DefaultTimeout)
	svc.brk.recordHealth(ok)

	next := api.HealthUnhealthy
	if ok {
		next = api.HealthHealthy
	}
	prev := svc.health.Swap(next).(api.HealthState)
	if prev != next {
		m.emit(api.TopicMeshHealthChanged, map[string]any{
			"service": svc.desc.Name,
			"from":    string(prev),
			"to":      string(next),
		})
	}
}

// probeURL performs a single GET health check. Any 2xx response counts
// as healthy.
func probeURL(ctx context.Context, url string, timeout time.Duration) bool {
	if url == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
