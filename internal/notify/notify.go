// Package notify pushes ledger entries to configured webhooks. Each hook
// tails the ledger through its own cursor, so a slow or failing endpoint
// never blocks the loop and never loses entries; delivery resumes from the
// cursor on the next sweep.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"targetline/internal/config"
	"targetline/internal/domain"
	"targetline/internal/ledger"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	Ledger ledger.Ledger
	Hooks  []config.Webhook
	Log    *zap.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a dispatcher for the configured hooks, nil when none is usable.
func New(led ledger.Ledger, hooks []config.Webhook, log *zap.Logger) *Dispatcher {
	usable := false
	for _, h := range hooks {
		if strings.TrimSpace(h.URL) != "" {
			usable = true
			break
		}
	}
	if !usable {
		return nil
	}
	return &Dispatcher{
		Ledger:  led,
		Hooks:   hooks,
		Log:     log,
		client:  &http.Client{Timeout: defaultTimeout},
		cursors: map[int]int64{},
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		d.Dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch delivers pending entries to every enabled hook once.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.Ledger.EntriesAfter(ctx, cursor, defaultBatch)
	if err != nil {
		d.Log.Warn("webhook fetch failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	filter := newStatusFilter(hook.Events)
	for _, e := range entries {
		if !filter.match(string(e.ToStatus)) {
			d.setCursor(idx, e.ID)
			continue
		}
		if err := d.post(ctx, hook, e); err != nil {
			// resume from the same cursor next sweep
			d.Log.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("entry_id", e.ID),
				zap.Error(err))
			return
		}
		d.setCursor(idx, e.ID)
	}
}

// cursorFor starts a hook at the current ledger head, so freshly configured
// hooks see new entries only, not the whole history.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Ledger.LatestID(ctx)
	if err != nil {
		d.Log.Warn("webhook cursor init failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notification struct {
	ID         int64           `json:"id"`
	PackageID  string          `json:"package_id"`
	FromStatus string          `json:"from_status"`
	ToStatus   string          `json:"to_status"`
	Actor      string          `json:"actor"`
	Reason     string          `json:"reason,omitempty"`
	TS         string          `json:"ts"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, e domain.StatusHistoryEntry) error {
	meta := json.RawMessage([]byte("{}"))
	if json.Valid([]byte(e.MetadataJSON)) {
		meta = json.RawMessage([]byte(e.MetadataJSON))
	}
	body := notification{
		ID:         e.ID,
		PackageID:  e.PackageID,
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Actor:      e.Actor,
		Reason:     e.Reason,
		TS:         e.TS,
		Metadata:   meta,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Targetline-Event", string(e.ToStatus))
	req.Header.Set("X-Targetline-Delivery", fmt.Sprintf("%d", e.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Targetline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	if len(statuses) == 0 {
		return statusFilter{all: true}
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
