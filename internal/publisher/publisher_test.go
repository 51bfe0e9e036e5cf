package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "zhihupub/pkg/logx"
)

func TestWebhookPublish(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true, ArtifactURL: "https://example.com/p/" + req.TaskID, ScreenshotPath: "/shots/" + req.AccountHandle + ".png"})
	}))
	defer srv.Close()

	p, err := New(Config{Driver: "webhook", URL: srv.URL, Token: "s3cret"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Publish(context.Background(), Request{TaskID: "t1", AccountHandle: "account_1", Title: "T"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !res.Success || res.ArtifactURL != "https://example.com/p/t1" || res.ScreenshotPath != "/shots/account_1.png" {
		t.Fatalf("Result = %+v", res)
	}
}

func TestWebhookNon200IsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "browser crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := NewWebhook(Config{URL: srv.URL}, logx.Nop())
	_, err := p.Publish(context.Background(), Request{TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want status 502", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Driver: "webhook"}, logx.Nop()); err == nil {
		t.Fatal("webhook without url should fail")
	}
	if _, err := New(Config{Driver: "webhook", URL: "ftp://x"}, logx.Nop()); err == nil {
		t.Fatal("non-http url should fail")
	}
	if _, err := New(Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestDryRun(t *testing.T) {
	t.Parallel()
	d := NewDryRun("", logx.Nop())
	res, err := d.Publish(context.Background(), Request{TaskID: "abc"})
	if err != nil || !res.Success || !strings.HasSuffix(res.ArtifactURL, "dryrun-abc") {
		t.Fatalf("Publish = %+v, %v", res, err)
	}
	if d.Calls() != 1 {
		t.Fatalf("Calls() = %d", d.Calls())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Publish(ctx, Request{}); err == nil {
		t.Fatal("cancelled context should fail")
	}
}
