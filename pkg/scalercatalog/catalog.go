// Package scalercatalog reads scalerregister custom resources from the
// cluster API and builds the engine -> scaling-parameters map the
// autoscaler consumes each tick.
package scalercatalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/cstcloud/vtscan/internal/platform"
)

var scalerRegisterGVR = schema.GroupVersionResource{
	Group:    "cstcloud.cn",
	Version:  "v1",
	Resource: "scalerregisters",
}

// Mode is the autoscaling mechanism a scaler register supports.
type Mode string

const (
	ModeVPA Mode = "VPA"
	ModeHPA Mode = "HPA"
)

// Registration is one engine's scaling parameters, as read off a
// scalerregister custom resource's labels.
type Registration struct {
	Engine             string
	Modes              []Mode
	CPUCost            float64 // cores per running task
	MemoryCost         float64 // bytes per running task
	TimeCost           float64 // seconds, expected task duration
	ExternalCPUCost    float64 // cores, one-time cost of an HPA pod
	ExternalMemoryCost float64 // bytes, one-time cost of an HPA pod
	Host               string
	Port               int
}

// SupportsMode reports whether m is one of the modes this registration
// declares.
func (r Registration) SupportsMode(m Mode) bool {
	for _, have := range r.Modes {
		if have == m {
			return true
		}
	}
	return false
}

// Catalog reads the cluster's scalerregister custom resources.
type Catalog struct {
	dynamicClient dynamic.Interface
	retry         platform.RetryPolicy
	logger        *slog.Logger
}

// New builds a Catalog over an already-configured dynamic client.
func New(dynamicClient dynamic.Interface, logger *slog.Logger) *Catalog {
	return &Catalog{
		dynamicClient: dynamicClient,
		retry:         platform.DefaultRetryPolicy,
		logger:        logger,
	}
}

// List fetches every scalerregister cluster-wide and maps it by engine
// label. Rows missing engine or type are skipped, as the original registry
// reader does.
func (c *Catalog) List(ctx context.Context) (map[string]Registration, error) {
	var list *unstructured.UnstructuredList
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		l, err := c.dynamicClient.Resource(scalerRegisterGVR).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		list = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing scalerregisters: %w", err)
	}

	out := make(map[string]Registration, len(list.Items))
	for _, item := range list.Items {
		reg, ok, err := registrationFromLabels(item.GetLabels())
		if err != nil {
			c.logger.Warn("skipping malformed scalerregister", "name", item.GetName(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		out[reg.Engine] = reg
	}
	return out, nil
}

func registrationFromLabels(labels map[string]string) (Registration, bool, error) {
	engine := labels["engine"]
	typeLabel := labels["type"]
	if engine == "" || typeLabel == "" {
		return Registration{}, false, nil
	}

	reg := Registration{
		Engine: engine,
		Host:   labels["host"],
	}

	for _, m := range splitModes(typeLabel) {
		reg.Modes = append(reg.Modes, Mode(m))
	}

	var err error
	if reg.CPUCost, err = parseFloatLabel(labels, "cpu_cost"); err != nil {
		return Registration{}, false, err
	}
	if reg.CPUCost <= 0 {
		return Registration{}, false, fmt.Errorf("cpu_cost label must be > 0, got %v", reg.CPUCost)
	}
	if reg.MemoryCost, err = parseFloatLabel(labels, "memory_cost"); err != nil {
		return Registration{}, false, err
	}
	if reg.TimeCost, err = parseFloatLabel(labels, "time_cost"); err != nil {
		return Registration{}, false, err
	}
	if reg.ExternalCPUCost, err = parseFloatLabel(labels, "external_cpu_cost"); err != nil {
		return Registration{}, false, err
	}
	if reg.ExternalMemoryCost, err = parseFloatLabel(labels, "external_memory_cost"); err != nil {
		return Registration{}, false, err
	}
	if port, ok := labels["port"]; ok && port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Registration{}, false, fmt.Errorf("parsing port label: %w", err)
		}
		reg.Port = p
	}

	return reg, true, nil
}

func parseFloatLabel(labels map[string]string, key string) (float64, error) {
	v, ok := labels[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s label %q: %w", key, v, err)
	}
	return f, nil
}

func splitModes(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '|' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// ErrNoRegistration is returned when an engine has no scaler registration
// and the caller required one.
var ErrNoRegistration = errors.New("scalercatalog: no registration for engine")
