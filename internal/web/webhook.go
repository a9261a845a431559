package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lucasnoah/archon/internal/orchestrator"
)

const maxPayloadBytes = 1 << 20

// payload mirrors the fields of GitHub's issues webhook we consume.
type payload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int     `json:"number"`
		Title  string  `json:"title"`
		Body   *string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if len(s.secret) > 0 {
		if !verifySignature(s.secret, body, r.Header.Get("X-Hub-Signature-256")) {
			s.log.Warn("webhook signature mismatch")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ev := parseEvent(p)
	switch ev.Action {
	case "opened":
		s.dispatch(ev, s.dispatcher.HandleIssueOpened)
	case "edited", "labeled":
		s.dispatch(ev, s.dispatcher.HandleIssueUpdated)
	default:
		s.log.Info("ignoring webhook action", slog.String("action", ev.Action))
		writeAccepted(w, "ignored")
		return
	}
	writeAccepted(w, "accepted")
}

// dispatch runs the orchestration in the background so the webhook is
// acknowledged well inside GitHub's delivery timeout.
func (s *Server) dispatch(ev orchestrator.IssueEvent, handle func(context.Context, orchestrator.IssueEvent) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := handle(ctx, ev); err != nil {
			s.log.Error("orchestration failed",
				slog.String("action", ev.Action),
				slog.String("repo", ev.Repo()),
				slog.Int("issue", ev.Number),
				slog.String("error", err.Error()))
		}
	}()
}

// parseEvent normalizes the raw payload: nil body becomes "", strings are
// trimmed, label names collected.
func parseEvent(p payload) orchestrator.IssueEvent {
	body := ""
	if p.Issue.Body != nil {
		body = *p.Issue.Body
	}
	labels := make([]string, 0, len(p.Issue.Labels))
	for _, l := range p.Issue.Labels {
		if name := strings.TrimSpace(l.Name); name != "" {
			labels = append(labels, name)
		}
	}
	return orchestrator.IssueEvent{
		Action:     strings.TrimSpace(p.Action),
		Owner:      strings.TrimSpace(p.Repository.Owner.Login),
		Repository: strings.TrimSpace(p.Repository.Name),
		Number:     p.Issue.Number,
		Title:      strings.TrimSpace(p.Issue.Title),
		Body:       strings.TrimSpace(body),
		Labels:     labels,
	}
}

// verifySignature checks the sha256= HMAC GitHub sends with each delivery.
func verifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func writeAccepted(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%q}`, status)
}
