package instances

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/vibetune/OpenTune-Go/player"
	"golang.org/x/sync/errgroup"
)

const healthSweepConcurrency = 4

// HealthChecker probes instances with a lightweight request and classifies
// the response. An HTML body behind a 200 status (the usual shape of an edge
// block page) counts as a failure.
type HealthChecker struct {
	client   *resty.Client
	registry *Registry
	path     string
	logger   player.Logger
}

// NewHealthChecker creates a checker issuing requests against the given
// logical path on every instance.
func NewHealthChecker(registry *Registry, path string, timeout time.Duration, logger player.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if path == "" {
		path = "/trending?region=US"
	}
	return &HealthChecker{
		client:   resty.New().SetTimeout(timeout),
		registry: registry,
		path:     path,
		logger:   logger,
	}
}

// Check probes a single instance, records the outcome in the registry, and
// returns the measured result.
func (h *HealthChecker) Check(ctx context.Context, instanceURL string) player.InstanceTestResult {
	start := time.Now()
	result := player.InstanceTestResult{TestedAt: start}

	resp, err := h.client.R().SetContext(ctx).Get(instanceURL + h.path)
	result.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		result.Error = err.Error()
	case !resp.IsSuccess():
		result.Error = fmt.Sprintf("status %d", resp.StatusCode())
	case !isJSONContentType(resp.Header().Get("Content-Type")):
		result.Error = fmt.Sprintf("non-JSON response: %s", resp.Header().Get("Content-Type"))
	default:
		result.Success = true
	}

	h.registry.RecordResult(ctx, instanceURL, result)
	if h.logger != nil {
		if result.Success {
			h.logger.Debug("instance healthy", "instance", instanceURL, "latency_ms", result.LatencyMs)
		} else {
			h.logger.Warn("instance unhealthy", "instance", instanceURL, "error", result.Error)
		}
	}
	return result
}

// CheckAll sweeps every known instance concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(healthSweepConcurrency)

	for _, record := range h.registry.All() {
		url := record.URL
		g.Go(func() error {
			h.Check(ctx, url)
			return nil
		})
	}
	_ = g.Wait()
}

func isJSONContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(contentType, "application/json")
}
