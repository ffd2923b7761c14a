package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/klwatch/internal/browser"
	"github.com/kalambet/klwatch/internal/reconcile"
	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/storage"
)

type staticPool browser.Stats

func (p staticPool) Stats() browser.Stats { return browser.Stats(p) }

type armed int

func (a armed) Armed() int { return int(a) }

func TestRunFinished(t *testing.T) {
	m := New(nil)
	job := storage.Job{ID: 1, Name: "woom"}

	m.RunFinished(context.Background(), job, runner.Outcome{
		Status:   storage.RunStatusSuccess,
		Duration: 2 * time.Second,
		Enriched: 2,
		Result:   reconcile.Result{Inserted: 3, Updated: 1, MarkedDeleted: 1},
	})
	m.RunFinished(context.Background(), job, runner.Outcome{Status: storage.RunStatusError})

	if got := testutil.ToFloat64(m.runs.WithLabelValues("success")); got != 1 {
		t.Errorf("success runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.listings.WithLabelValues("inserted")); got != 3 {
		t.Errorf("inserted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.listings.WithLabelValues("deleted")); got != 1 {
		t.Errorf("deleted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.enriched); got != 2 {
		t.Errorf("enriched = %v, want 2", got)
	}
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New(staticPool{MaxSessions: 4, InUse: 2, Idle: 1, Discarded: 7})
	m.WatchJobs(armed(3))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		ArmedJobsName + " 3",
		PoolInUseName + " 2",
		PoolIdleName + " 1",
		PoolMaxSessionsName + " 4",
		"klwatch_browser_sessions_discarded_total 7",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestNewWithoutPool(t *testing.T) {
	m := New(nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rr.Body.String(), PoolInUseName) {
		t.Error("pool gauges registered without a pool")
	}
}
