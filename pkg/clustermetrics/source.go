// Package clustermetrics pulls node and namespace resource figures from
// Prometheus for the autoscaler. Every query is read-only and retried
// per internal/platform.RetryPolicy; a query that exhausts its retries
// returns an error so the caller can skip scale decisions for this tick
// rather than act on stale or partial data.
package clustermetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/cstcloud/vtscan/internal/platform"
)

const (
	queryCPUAvailable     = `sum by (node) (rate(node_cpu_seconds_total{mode="idle"}[1m]))`
	queryMemoryAvailable  = `node_memory_MemAvailable_bytes`
	queryNamespaceCPUUsed = `sum by (instance) (rate(container_cpu_usage_seconds_total{namespace="%s"}[1m]))`
	queryNamespaceMemUsed = `sum by (instance) (container_memory_rss{namespace="%s"})`

	nodeLabel     = "node"
	instanceLabel = "instance"
)

// ErrUnavailable wraps a Prometheus query failure after retries are
// exhausted. Callers treat this as "metrics unavailable this tick" per
// spec: skip scale decisions for affected nodes, don't crash the tick.
var ErrUnavailable = errors.New("clustermetrics: unavailable")

// Source queries Prometheus for the four per-node figures the autoscaler
// needs, translated literally from the reference PromQL.
type Source struct {
	api       promv1.API
	namespace string
	retry     platform.RetryPolicy
	logger    *slog.Logger
}

// New builds a Source against a Prometheus HTTP API at baseURL (e.g.
// "http://prometheus:9090"), scoped to namespace for the usage queries.
func New(baseURL, namespace string, logger *slog.Logger) (*Source, error) {
	client, err := promapi.NewClient(promapi.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	return &Source{
		api:       promv1.NewAPI(client),
		namespace: namespace,
		retry: platform.RetryPolicy{
			MaxAttempts: platform.DefaultRetryPolicy.MaxAttempts,
			Backoff:     platform.DefaultRetryPolicy.Backoff,
			Retriable: func(err error) bool {
				return platform.IsTransient(err)
			},
		},
		logger: logger,
	}, nil
}

// NodeValues maps a node (or namespace-scoped instance) name to a metric
// value, matching the node-name-keyed shape every query returns.
type NodeValues map[string]float64

// CPUAvailable returns idle CPU-core-seconds-per-second, summed per node.
func (s *Source) CPUAvailable(ctx context.Context) (NodeValues, error) {
	return s.query(ctx, queryCPUAvailable, nodeLabel)
}

// MemoryAvailable returns available memory in bytes per node.
func (s *Source) MemoryAvailable(ctx context.Context) (NodeValues, error) {
	return s.query(ctx, queryMemoryAvailable, nodeLabel)
}

// NamespaceCPUUsed returns CPU-core-seconds-per-second used by the scanner
// namespace, summed per node (container_cpu_usage_seconds_total reports by
// instance, which in this cluster layout is the node).
func (s *Source) NamespaceCPUUsed(ctx context.Context) (NodeValues, error) {
	return s.query(ctx, fmt.Sprintf(queryNamespaceCPUUsed, s.namespace), instanceLabel)
}

// NamespaceMemoryUsed returns RSS bytes used by the scanner namespace,
// summed per node.
func (s *Source) NamespaceMemoryUsed(ctx context.Context) (NodeValues, error) {
	return s.query(ctx, fmt.Sprintf(queryNamespaceMemUsed, s.namespace), instanceLabel)
}

func (s *Source) query(ctx context.Context, query, keyLabel string) (NodeValues, error) {
	var result model.Value
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		v, warnings, err := s.api.Query(qctx, query, time.Time{})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		for _, w := range warnings {
			s.logger.Warn("prometheus query warning", "query", query, "warning", w)
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", query, err)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("querying %q: unexpected result type %T", query, result)
	}

	out := make(NodeValues, len(vector))
	for _, sample := range vector {
		name := string(sample.Metric[model.LabelName(keyLabel)])
		if name == "" {
			name = "unknown"
		}
		out[name] = float64(sample.Value)
	}
	return out, nil
}
