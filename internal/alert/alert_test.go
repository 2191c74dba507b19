package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sample() Alert {
	return Alert{DAG: "kenyan_economic_etl", RunID: "r-1", Attempts: 3, Error: "load: boom", At: time.Unix(1700000000, 0).UTC()}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.DAG != "kenyan_economic_etl" || got.Attempts != 3 || got.Error != "load: boom" {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Send(context.Background(), sample()); err == nil {
		t.Fatal("expected error for 502")
	}
}

type recordingAlerter struct {
	sent int
	err  error
}

func (r *recordingAlerter) Send(context.Context, Alert) error {
	r.sent++
	return r.err
}

func TestMultiSendsToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recordingAlerter{err: boom}, &recordingAlerter{}
	err := Multi{a, nil, b, LogAlerter{}}.Send(context.Background(), sample())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if a.sent != 1 || b.sent != 1 {
		t.Errorf("sent = %d/%d, want 1/1", a.sent, b.sent)
	}
	if err := (Multi{}).Send(context.Background(), sample()); err != nil {
		t.Errorf("empty Multi err = %v", err)
	}
}
