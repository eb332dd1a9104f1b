package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHarness_healthAndReadiness(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			h := NewTestHarness(t, WithStore(driver))

			h.AssertStatus(t, h.GET("/healthz", ""), http.StatusOK)

			var ready struct {
				Status string `json:"status"`
			}
			h.AssertJSON(t, h.GET("/readyz", ""), http.StatusOK, &ready)
			if ready.Status != "ready" {
				t.Errorf("ready status = %q, want ready", ready.Status)
			}
		})
	}
}

func TestHarness_seedsBundledFlow(t *testing.T) {
	h := NewTestHarness(t)

	var flows struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		TotalCount int `json:"total_count"`
	}
	h.AssertJSON(t, h.GET("/v1/admin/flows", "admin"), http.StatusOK, &flows)
	if flows.TotalCount != 1 || flows.Data[0].ID != TRTFlow {
		t.Errorf("flows = %s", FormatJSON(flows))
	}
}

func TestHarness_metricsExposed(t *testing.T) {
	h := NewTestHarness(t)
	h.StartRun(t, TRTFlow, "patient-1")

	resp := h.GET("/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, name := range []string{"triage_run_starts_total", "triage_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
