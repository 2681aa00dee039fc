package workers

import (
	"fmt"
	"net/http"
	"time"
)

// HealthChecker probes a worker's loopback port.
type HealthChecker interface {
	Check(port int) error
}

// HTTPHealthChecker probes the worker's status endpoint over HTTP. Any
// response other than 200 within the timeout counts as unhealthy.
type HTTPHealthChecker struct {
	client *http.Client
}

func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPHealthChecker) Check(port int) error {
	if port <= 0 {
		return fmt.Errorf("no port assigned")
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/internal/status", port)
	resp, err := h.client.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
