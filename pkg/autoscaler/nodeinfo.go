package autoscaler

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cstcloud/vtscan/internal/platform"
)

// NodeTotals is one node's total (allocatable) capacity, independent of any
// point-in-time usage — the "cpu_total"/"memory_total" figures the node
// pressure and headroom phases need but which no Prometheus query exposes
// directly (it lives on the Node object's status.allocatable, not a metric).
type NodeTotals struct {
	CPU    float64 // cores
	Memory float64 // bytes
}

// fetchNodeTotals reads allocatable CPU/memory for every node via the
// cluster API.
func fetchNodeTotals(ctx context.Context, k8sClient kubernetes.Interface, retry platform.RetryPolicy) (map[string]NodeTotals, error) {
	var nodes []corev1.Node
	err := retry.Do(ctx, func(ctx context.Context) error {
		list, err := k8sClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		nodes = list.Items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	out := make(map[string]NodeTotals, len(nodes))
	for _, n := range nodes {
		out[n.Name] = NodeTotals{
			CPU:    n.Status.Allocatable.Cpu().AsApproximateFloat64(),
			Memory: n.Status.Allocatable.Memory().AsApproximateFloat64(),
		}
	}
	return out, nil
}
