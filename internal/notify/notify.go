package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/internal/pipeline"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// Digest summarises the High Confidence verdicts of one unit.
type Digest struct {
	RunID      string   `json:"run_id"`
	UnitID     string   `json:"unit_id"`
	FirstCycle int      `json:"first_cycle"`
	LastCycle  int      `json:"last_cycle"`
	Cycles     int      `json:"cycles"`
	Alerts     []string `json:"alerts"` // alerts active at FirstCycle
}

// Message is the one-line human form used by chat targets.
func (d Digest) Message() string {
	msg := fmt.Sprintf("unit %s: High Confidence degradation from cycle %d (%d cycles, last %d)",
		d.UnitID, d.FirstCycle, d.Cycles, d.LastCycle)
	if len(d.Alerts) > 0 {
		msg += ", alerts " + strings.Join(d.Alerts, ", ")
	}
	return msg
}

// Digests returns one Digest per unit with at least one High Confidence
// verdict, in unit order.
func Digests(res *pipeline.Result) []Digest {
	var out []Digest
	for _, u := range res.Units {
		var d *Digest
		for _, v := range u.Verdicts {
			if v.Tier != types.TierHighConfidence {
				continue
			}
			if d == nil {
				d = &Digest{RunID: res.RunID, UnitID: u.UnitID, FirstCycle: v.Cycle}
			}
			d.LastCycle = v.Cycle
			d.Cycles++
		}
		if d == nil {
			continue
		}
		for _, a := range u.Alerts {
			if a.Cycle == d.FirstCycle {
				d.Alerts = append(d.Alerts, a.String())
			}
		}
		out = append(out, *d)
	}
	return out
}

// Notifier delivers digests to the configured webhooks.
type Notifier struct {
	webhooks []config.WebhookConfig
	client   *http.Client
}

// New creates a Notifier for cfg.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Deliver sends every digest to every target. Errors are logged and counted;
// delivery continues with the next target. It returns the number of failed
// deliveries.
func (n *Notifier) Deliver(ctx context.Context, digests []Digest) int {
	failed := 0
	for _, wh := range n.webhooks {
		url := wh.URL()
		if url == "" {
			slog.Warn("notify: webhook url not set, skipping", "type", wh.Type, "url_env", wh.URLEnv)
			continue
		}
		for _, d := range digests {
			var err error
			switch wh.Type {
			case "slack":
				err = n.sendSlack(ctx, url, d)
			case "teams":
				err = n.sendTeams(ctx, url, d)
			case "http":
				err = n.sendHTTP(ctx, url, d)
			default:
				slog.Warn("notify: unknown webhook type, skipping", "type", wh.Type)
				continue
			}
			if err != nil {
				failed++
				slog.Error("notify: webhook delivery failed", "type", wh.Type, "unit", d.UnitID, "err", err)
				continue
			}
			slog.Debug("notify: webhook delivered", "type", wh.Type, "unit", d.UnitID)
		}
	}
	return failed
}

func (n *Notifier) sendSlack(ctx context.Context, url string, d Digest) error {
	body, _ := json.Marshal(map[string]string{
		"text": "*[HIGH CONFIDENCE]* " + d.Message(),
	})
	return n.post(ctx, url, body)
}

func (n *Notifier) sendTeams(ctx context.Context, url string, d Digest) error {
	body, _ := json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "FF4F6A",
		"summary":    "High Confidence: " + d.UnitID,
		"title":      "Degradation alert: unit " + d.UnitID,
		"text":       d.Message(),
	})
	return n.post(ctx, url, body)
}

func (n *Notifier) sendHTTP(ctx context.Context, url string, d Digest) error {
	body, _ := json.Marshal(map[string]any{"digest": d})
	return n.post(ctx, url, body)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
