package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"sipi/internal/config"
	"sipi/internal/model"

	"gopkg.in/gomail.v2"
)

func testListing() *model.Listing {
	price := int64(1250000)
	return &model.Listing{
		ID:       3,
		Portal:   model.PortalIdealista,
		NativeID: "X9",
		Title:    "Antigua fábrica de harinas",
		URL:      "https://example.org/x9",
		Locality: "Alcalá",
		Province: "Madrid",
		Price:    &price,
	}
}

func TestEmailNotifier_SendsToAllRecipients(t *testing.T) {
	cfg := &config.EmailConfig{SMTPHost: "smtp.local", SMTPPort: 25, FromEmail: "sipi@example.org", To: []string{"a@example.org", " ", "b@example.org"}}
	n := NewEmailNotifier(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var sent []*gomail.Message
	n.send = func(m ...*gomail.Message) error {
		sent = append(sent, m...)
		return nil
	}

	det := &model.Detection{Status: model.StatusDetected, Score: 60, Evidences: []string{"keyword:fábrica"}}
	if err := n.NotifyDetection(context.Background(), testListing(), det, model.StatusTracking); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	to := sent[0].GetHeader("To")
	if len(to) != 2 || to[0] != "a@example.org" || to[1] != "b@example.org" {
		t.Fatalf("unexpected recipients %v", to)
	}
	if subj := sent[0].GetHeader("Subject"); len(subj) != 1 || !strings.Contains(subj[0], "detected") {
		t.Fatalf("unexpected subject %v", subj)
	}

	var buf bytes.Buffer
	if _, err := sent[0].WriteTo(&buf); err != nil {
		t.Fatalf("render message: %v", err)
	}
}

func TestEmailNotifier_SkipsWithoutConfig(t *testing.T) {
	n := NewEmailNotifier(&config.EmailConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	called := false
	n.send = func(m ...*gomail.Message) error {
		called = true
		return nil
	}
	if err := n.NotifyDetection(context.Background(), testListing(), &model.Detection{Status: model.StatusConfirmed}, model.StatusDetected); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if called {
		t.Fatalf("must not send without smtp config")
	}
}

func TestBuildHTMLBody_EscapesAndFormats(t *testing.T) {
	l := testListing()
	l.Title = "<b>Molino</b>"
	body := buildHTMLBody(l, &model.Detection{Status: model.StatusConfirmed, Score: 95}, model.StatusDetected)
	if strings.Contains(body, "<b>Molino</b>") {
		t.Fatalf("title must be escaped")
	}
	if !strings.Contains(body, "1.250.000 €") {
		t.Fatalf("price not formatted: %s", body)
	}
}

func TestShouldNotify(t *testing.T) {
	cases := []struct {
		from, to model.Status
		want     bool
	}{
		{model.StatusTracking, model.StatusDetected, true},
		{model.StatusDetected, model.StatusConfirmed, true},
		{model.StatusConfirmed, model.StatusListedForSale, false},
		{model.StatusTracking, model.StatusListedForSale, true},
		{model.StatusDetected, model.StatusListedForSale, true},
		{model.StatusListedForSale, model.StatusSold, true},
		{model.StatusDetected, model.StatusDetected, false},
		{model.StatusDetected, model.StatusWithdrawn, false},
	}
	for _, tc := range cases {
		if got := ShouldNotify(tc.from, tc.to); got != tc.want {
			t.Fatalf("ShouldNotify(%s,%s)=%v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
