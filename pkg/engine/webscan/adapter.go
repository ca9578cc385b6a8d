// Package webscan implements the web-scan engine adapter. Progressing a
// crawl through spider, ajax-spider, active, and passive phases is driven
// from this side rather than the scanner pod: each Status call advances
// whichever phase the run is currently in, mirroring the phase transitions
// of the reference ZAP orchestration.
package webscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/webscanrun"
)

// phase is the internal crawl state a run moves through. It is never
// surfaced outside this package; callers only ever see engine.RunningStatus.
type phase string

const (
	phaseSpider     phase = "spider"
	phaseAjaxSpider phase = "ajax_spider"
	phaseActive     phase = "active"
	phasePassive    phase = "passive"
	phaseDone       phase = "done"
	phaseFailed     phase = "failed"
)

const (
	spiderMaxDepth       = 5
	spiderMaxDurationMin = 10
	spiderThreadCount    = 8
	ajaxMaxCrawlDepth    = 5
	ajaxMaxDurationMin   = 10
	ajaxBrowserID        = "htmlunit"
	ascanMaxDurationMin  = 15
	ascanMaxRuleMin      = 1
	passiveFastExitBelow = 10
)

// runState is the per-run progress a Status call reads and advances: which
// phase the crawl is in and the target it was launched against (the pod's
// scan APIs are per-target, not per-run). Persisted in webscan_run, not an
// in-process map, so any replica can resume tracing a run after a restart.
type runState struct {
	phase  phase
	target string
}

// Adapter implements engine.Adapter for the web-scan engine.
type Adapter struct {
	client     *client
	runs       *webscanrun.Store
	maxThreads int
	logger     *slog.Logger
	retry      platform.RetryPolicy
}

// New builds a web-scan Adapter. maxThreads bounds ajax-spider browser
// concurrency and active-scan per-host thread count, mirroring the ZAP
// client's ZAP_MAX_THREAD setting. runs persists per-run phase/target.
func New(runs *webscanrun.Store, maxThreads int, logger *slog.Logger) *Adapter {
	if maxThreads <= 0 {
		maxThreads = 2
	}
	return &Adapter{
		client:     newClient(logger),
		runs:       runs,
		maxThreads: maxThreads,
		logger:     logger,
		retry: platform.RetryPolicy{
			MaxAttempts: platform.DefaultRetryPolicy.MaxAttempts,
			Backoff:     platform.DefaultRetryPolicy.Backoff,
			Retriable: func(err error) bool {
				return errors.Is(err, engine.ErrTransient) || platform.IsTransient(err)
			},
		},
	}
}

func (a *Adapter) Create(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	runningID := taskID

	err := a.retry.Do(ctx, func(ctx context.Context) error {
		if err := a.client.newSession(ctx, scanner); err != nil {
			return err
		}
		return a.client.spiderScan(ctx, scanner, target, spiderMaxDepth, spiderMaxDurationMin, spiderThreadCount)
	})
	if err != nil {
		return "", fmt.Errorf("starting web-scan spider phase: %w", err)
	}

	if err := a.setRun(ctx, runningID, runState{phase: phaseSpider, target: target}); err != nil {
		return "", fmt.Errorf("persisting web-scan run %s: %w", runningID, err)
	}
	return runningID, nil
}

// getRun reads a run's persisted phase/target. A run with no row (never
// created by this process, or a corrupted/missing write) is conservatively
// resumed from phaseSpider rather than treated as done — the zero phase
// value must never be mistaken for a terminal state.
func (a *Adapter) getRun(ctx context.Context, runningID string) (runState, error) {
	r, err := a.runs.Get(ctx, runningID)
	if errors.Is(err, webscanrun.ErrNotFound) {
		a.logger.Warn("web-scan run missing from store, resuming at spider phase", "running_id", runningID)
		return runState{phase: phaseSpider}, nil
	}
	if err != nil {
		return runState{}, err
	}
	return runState{phase: phase(r.Phase), target: r.Target}, nil
}

func (a *Adapter) setRun(ctx context.Context, runningID string, s runState) error {
	return a.runs.Upsert(ctx, runningID, string(s.phase), s.target)
}

// Status advances the run through its phases as far as it will currently
// go and reports the externally visible status. This mirrors the reference
// client's handle_zap_task: each call is a best-effort step forward, not a
// blocking wait for the whole crawl to finish.
func (a *Adapter) Status(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.RunningStatus, error) {
	state, err := a.getRun(ctx, runningID)
	if err != nil {
		return "", fmt.Errorf("loading web-scan run %s: %w", runningID, err)
	}
	p := state.phase

	err = a.retry.Do(ctx, func(ctx context.Context) error {
		next, stepErr := a.step(ctx, scanner, state.target, p)
		if stepErr != nil {
			return stepErr
		}
		p = next
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("advancing web-scan run %s: %w", runningID, err)
	}

	state.phase = p
	if err := a.setRun(ctx, runningID, state); err != nil {
		return "", fmt.Errorf("persisting web-scan run %s: %w", runningID, err)
	}
	return toRunningStatus(p), nil
}

func toRunningStatus(p phase) engine.RunningStatus {
	switch p {
	case phaseDone:
		return engine.RunningStatusDone
	case phaseFailed:
		return engine.RunningStatusFailed
	default:
		return engine.RunningStatusRunning
	}
}

// step performs one phase's worth of work and returns the phase the run
// should be considered in next, translated line-for-line from the
// reference spider -> ajax-spider -> active -> passive progression.
func (a *Adapter) step(ctx context.Context, scanner engine.ScannerTarget, tgt string, p phase) (phase, error) {
	if p == phaseSpider {
		progress, err := a.client.spiderStatus(ctx, scanner)
		if err != nil {
			return p, err
		}
		if progress >= 100 {
			if err := a.client.ajaxSpiderConfigure(ctx, scanner, ajaxMaxCrawlDepth, ajaxMaxDurationMin, ajaxBrowserID, a.maxThreads); err != nil {
				return p, err
			}
			if err := a.client.ajaxSpiderScan(ctx, scanner, tgt); err != nil {
				return p, err
			}
			p = phaseAjaxSpider
		}
	}

	if p == phaseAjaxSpider {
		running, err := a.client.ajaxSpiderRunning(ctx, scanner)
		if err != nil {
			return p, err
		}
		if !running {
			if err := a.client.ascanConfigure(ctx, scanner, ascanMaxDurationMin, ascanMaxRuleMin, a.maxThreads); err != nil {
				return p, err
			}
			failed, err := a.client.ascanScan(ctx, scanner, tgt)
			if err != nil {
				return p, err
			}
			if failed {
				return phaseFailed, nil
			}
			p = phaseActive
		}
	}

	if p == phaseActive {
		progress, err := a.client.ascanStatus(ctx, scanner)
		if err != nil {
			return p, err
		}
		if progress >= 100 {
			pending, err := a.client.pscanRecordsToScan(ctx, scanner)
			if err != nil {
				return p, err
			}
			if pending == 0 {
				return phaseDone, nil
			}
			p = phasePassive
		}
	}

	if p == phasePassive {
		pending, err := a.client.pscanRecordsToScan(ctx, scanner)
		if err != nil {
			return p, err
		}
		if pending < passiveFastExitBelow {
			return phaseDone, nil
		}
	}

	return p, nil
}

func (a *Adapter) Report(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.Report, error) {
	var report engine.Report
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		if err := a.client.ascanStopAll(ctx, scanner); err != nil {
			return err
		}
		content, err := a.client.htmlReport(ctx, scanner)
		if err != nil {
			return err
		}
		report = engine.Report{Content: content, ContentType: "text/html", Filename: runningID + ".html"}
		return nil
	})
	if err != nil {
		return engine.Report{}, fmt.Errorf("fetching web-scan report: %w", err)
	}
	return report, nil
}

func (a *Adapter) Stop(ctx context.Context, scanner engine.ScannerTarget, runningID string) error {
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.stopAll(ctx, scanner)
	})
	if err != nil {
		return fmt.Errorf("stopping web-scan run %s: %w", runningID, err)
	}
	state, err := a.getRun(ctx, runningID)
	if err != nil {
		return fmt.Errorf("loading web-scan run %s: %w", runningID, err)
	}
	state.phase = phaseFailed
	if err := a.setRun(ctx, runningID, state); err != nil {
		return fmt.Errorf("persisting web-scan run %s: %w", runningID, err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, scanner engine.ScannerTarget, runningID string) error {
	if err := a.Stop(ctx, scanner, runningID); err != nil {
		return err
	}
	return a.runs.Delete(ctx, runningID)
}

// ScaleIn stops every scan running on the ZAP pod through stopAll. n is not
// used: all in-flight runs on the pod stop, not only n of them.
func (a *Adapter) ScaleIn(ctx context.Context, scanner engine.ScannerTarget, n int) error {
	return a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.stopAll(ctx, scanner)
	})
}
