package webscan

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/webscanrun"
)

// fakeRunDB is an in-memory stand-in for the webscan_run table, just enough
// of pgx's Exec/QueryRow surface to drive webscanrun.Store in tests without
// a live Postgres connection.
type fakeRunDB struct {
	rows map[string]webscanrun.Run
}

func newFakeRunDB() *fakeRunDB {
	return &fakeRunDB{rows: make(map[string]webscanrun.Run)}
}

func (f *fakeRunDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO webscan_run"):
		runningID, phase, target := args[0].(string), args[1].(string), args[2].(string)
		f.rows[runningID] = webscanrun.Run{RunningID: runningID, Phase: phase, Target: target, UpdatedAt: time.Unix(0, 0)}
	case strings.Contains(sql, "DELETE FROM webscan_run"):
		delete(f.rows, args[0].(string))
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeRunDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	r, ok := f.rows[args[0].(string)]
	return &fakeRunRow{r: r, found: ok}
}

type fakeRunRow struct {
	r     webscanrun.Run
	found bool
}

func (f *fakeRunRow) Scan(dest ...any) error {
	if !f.found {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = f.r.Phase
	*dest[1].(*string) = f.r.Target
	*dest[2].(*time.Time) = f.r.UpdatedAt
	return nil
}

// fakeZap is a minimal stand-in for the ZAP daemon's JSON API, driven
// entirely by the query parameters and paths the adapter issues.
type fakeZap struct {
	spiderStatus  int
	ajaxRunning   bool
	ascanStatus   int
	pscanPending  int
	htmlReport    string
	calls         []string
}

func (f *fakeZap) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, r.URL.Path)
		resp := map[string]any{}
		switch r.URL.Path {
		case "/JSON/core/action/newSession/":
			resp["Result"] = "OK"
		case "/JSON/spider/action/scan/":
			resp["scan"] = "0"
		case "/JSON/spider/view/status/":
			resp["status"] = strconv.Itoa(f.spiderStatus)
		case "/JSON/ajaxSpider/action/setOptionMaxCrawlDepth/",
			"/JSON/ajaxSpider/action/setOptionMaxDuration/",
			"/JSON/ajaxSpider/action/setOptionBrowserId/",
			"/JSON/ajaxSpider/action/setOptionNumberOfBrowsers/":
			resp["Result"] = "OK"
		case "/JSON/ajaxSpider/action/scan/":
			resp["Result"] = "OK"
		case "/JSON/ajaxSpider/view/status/":
			if f.ajaxRunning {
				resp["status"] = "running"
			} else {
				resp["status"] = "stopped"
			}
		case "/JSON/ascan/action/setOptionMaxScanDurationInMins/",
			"/JSON/ascan/action/setOptionMaxRuleDurationInMins/",
			"/JSON/ascan/action/setOptionThreadPerHost/",
			"/JSON/ascan/action/setOptionMaxAlertsPerRule/",
			"/JSON/ascan/action/setOptionMaxResultsToList/",
			"/JSON/ascan/action/setOptionMaxChartTimeInMins/":
			resp["Result"] = "OK"
		case "/JSON/ascan/action/scan/":
			resp["scan"] = "0"
		case "/JSON/ascan/view/status/":
			resp["status"] = strconv.Itoa(f.ascanStatus)
		case "/JSON/pscan/view/recordsToScan/":
			resp["recordsToScan"] = strconv.Itoa(f.pscanPending)
		case "/JSON/core/other/htmlreport/":
			resp["report"] = f.htmlReport
		case "/JSON/ascan/action/stopAllScans/",
			"/JSON/ajaxSpider/action/stop/",
			"/JSON/spider/action/stopAllScans/":
			resp["Result"] = "OK"
		default:
			http.Error(w, "unhandled path "+r.URL.Path, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func targetFromURL(t *testing.T, srv *httptest.Server) engine.ScannerTarget {
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return engine.ScannerTarget{IP: host, Port: port}
}

func splitHostPort(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}

func TestAdapterProgressesThroughAllPhases(t *testing.T) {
	fake := &fakeZap{spiderStatus: 0, ajaxRunning: true, ascanStatus: 0, pscanPending: 50}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := New(webscanrun.NewStore(newFakeRunDB()), 2, slog.Default())
	scanner := targetFromURL(t, srv)
	ctx := context.Background()

	runningID, err := a.Create(ctx, scanner, "task-1", "http://example.test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := a.Status(ctx, scanner, runningID)
	if err != nil {
		t.Fatalf("Status (still spidering): %v", err)
	}
	if status != engine.RunningStatusRunning {
		t.Fatalf("status = %v, want running", status)
	}

	fake.spiderStatus = 100
	status, err = a.Status(ctx, scanner, runningID)
	if err != nil {
		t.Fatalf("Status (spider done, entering ajax): %v", err)
	}
	if status != engine.RunningStatusRunning {
		t.Fatalf("status = %v, want running", status)
	}

	fake.ajaxRunning = false
	status, err = a.Status(ctx, scanner, runningID)
	if err != nil {
		t.Fatalf("Status (ajax done, entering active): %v", err)
	}
	if status != engine.RunningStatusRunning {
		t.Fatalf("status = %v, want running", status)
	}

	fake.ascanStatus = 100
	fake.pscanPending = 3
	status, err = a.Status(ctx, scanner, runningID)
	if err != nil {
		t.Fatalf("Status (active done, passive below fast-exit floor): %v", err)
	}
	if status != engine.RunningStatusDone {
		t.Fatalf("status = %v, want done", status)
	}
}

func TestAdapterReportStopsScansFirst(t *testing.T) {
	fake := &fakeZap{htmlReport: "PGh0bWw+PC9odG1sPg=="}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := New(webscanrun.NewStore(newFakeRunDB()), 2, slog.Default())
	scanner := targetFromURL(t, srv)
	ctx := context.Background()

	report, err := a.Report(ctx, scanner, "task-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if string(report.Content) != "<html></html>" {
		t.Fatalf("report content = %q, want decoded html", report.Content)
	}
	if report.ContentType != "text/html" {
		t.Fatalf("content type = %q, want text/html", report.ContentType)
	}

	stopAt, reportAt := -1, -1
	for i, p := range fake.calls {
		switch p {
		case "/JSON/ascan/action/stopAllScans/":
			if stopAt < 0 {
				stopAt = i
			}
		case "/JSON/core/other/htmlreport/":
			reportAt = i
		}
	}
	if stopAt < 0 || reportAt < 0 || stopAt > reportAt {
		t.Fatalf("calls = %v, want ascan stopAllScans before htmlreport", fake.calls)
	}
}
