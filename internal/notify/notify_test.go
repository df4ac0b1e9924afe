package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	c "github.com/pvik/fleetd/internal/config"
)

func TestWebhookSignsPayload(t *testing.T) {
	var got Event
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := FromConfig(c.NotifyConfig{
		WebhookURLs: []string{srv.URL},
		Secret:      "hush",
		Timeout:     c.Duration{Duration: time.Second},
	})
	err := n.Notify(context.Background(), Event{
		Name:       DeploySuccess,
		InstanceID: "inst-1",
		Context:    map[string]interface{}{"ref": "main"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != DeploySuccess || got.InstanceID != "inst-1" || got.Context["ref"] != "main" {
		t.Errorf("event = %+v", got)
	}
	if sig != Sign("hush", body) {
		t.Errorf("signature = %q", sig)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := &Webhook{URL: srv.URL}
	if err := w.Notify(context.Background(), Event{Name: DeployFailed}); err == nil {
		t.Fatal("expected error for 502")
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

type panicking struct{}

func (panicking) Notify(context.Context, Event) error {
	panic("notifier bug")
}

func TestSendNeverFails(t *testing.T) {
	f := &failing{}
	Send(context.Background(), Multi{f, f}, Event{Name: BatchStarted})
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2", f.calls)
	}
	Send(context.Background(), panicking{}, Event{Name: BatchFailed})
	Send(context.Background(), nil, Event{Name: BatchFailed})
}

func TestFromConfigEmpty(t *testing.T) {
	if _, ok := FromConfig(c.NotifyConfig{}).(Nop); !ok {
		t.Error("no webhooks should yield Nop")
	}
}
