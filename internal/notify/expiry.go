// Package notify owns the user-facing expiry warnings: which keys are close
// to expiring, which threshold applies, and the in-memory dedup state that
// guarantees each threshold fires at most once per key.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultThresholds are the hour marks before expiry at which users are
// warned, checked in descending order.
var DefaultThresholds = []int{72, 48, 24, 1}

// notifyKey identifies one key's dedup entry.
type notifyKey struct {
	UserID int64
	KeyID  int64
}

// ExpiryNotifier scans key records and warns owners once per threshold.
// Dedup state is process-local; a restart may re-send the current
// threshold, which is an accepted loss.
type ExpiryNotifier struct {
	store      storage.Store
	sink       Sink
	clk        clock.Clock
	log        zerolog.Logger
	thresholds []int
	fired      map[notifyKey]map[int]bool
}

// NewExpiryNotifier constructs a notifier with the default threshold set.
func NewExpiryNotifier(store storage.Store, sink Sink, clk clock.Clock, log zerolog.Logger) *ExpiryNotifier {
	return &ExpiryNotifier{
		store:      store,
		sink:       sink,
		clk:        clk,
		log:        log,
		thresholds: DefaultThresholds,
		fired:      make(map[notifyKey]map[int]bool),
	}
}

// Scan walks all key records and sends due expiry warnings. A send failure
// for one user never blocks the rest of the scan.
func (n *ExpiryNotifier) Scan(ctx context.Context) error {
	keys, err := n.store.AllKeys()
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	n.cleanup(keys)

	now := n.clk.Now()
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.checkKey(ctx, key, now)
	}
	return nil
}

// checkKey fires at most one threshold for the key this tick: under normal
// polling cadence only one boundary can be crossed between scans.
func (n *ExpiryNotifier) checkKey(ctx context.Context, key storage.KeyRecord, now time.Time) {
	if key.ExpiresAt.IsZero() || !key.ExpiresAt.After(now) {
		return
	}
	hoursLeft := int(key.ExpiresAt.Sub(now) / time.Hour)

	for _, threshold := range n.thresholds {
		if !(threshold-1 < hoursLeft && hoursLeft <= threshold) {
			continue
		}
		nk := notifyKey{UserID: key.UserID, KeyID: key.ID}
		if n.fired[nk][threshold] {
			return
		}

		text := expiryMessage(threshold, key.ExpiresAt)
		if err := n.sink.SendToUser(ctx, key.UserID, text); err != nil {
			metrics.NotificationErrors.Inc()
			n.log.Error().Err(err).Int64("user_id", key.UserID).Int64("key_id", key.ID).
				Msg("expiry notification send failed")
			return
		}

		if n.fired[nk] == nil {
			n.fired[nk] = make(map[int]bool)
		}
		n.fired[nk][threshold] = true
		metrics.NotificationsSent.WithLabelValues(strconv.Itoa(threshold)).Inc()
		n.log.Debug().Int64("user_id", key.UserID).Int64("key_id", key.ID).
			Int("hours_left", hoursLeft).Int("threshold", threshold).
			Msg("expiry notification sent")
		return
	}
}

// cleanup drops dedup entries for keys that no longer exist, bounding memory
// over the process lifetime.
func (n *ExpiryNotifier) cleanup(keys []storage.KeyRecord) {
	if len(n.fired) == 0 {
		return
	}
	live := make(map[int64]bool, len(keys))
	for _, key := range keys {
		live[key.ID] = true
	}
	removed := 0
	for nk := range n.fired {
		if !live[nk.KeyID] {
			delete(n.fired, nk)
			removed++
		}
	}
	if removed > 0 {
		n.log.Debug().Int("removed", removed).Msg("expiry notification cache cleaned")
	}
}

// expiryMessage renders the warning text for one threshold.
func expiryMessage(hoursLeft int, expiry time.Time) string {
	return fmt.Sprintf(
		"⚠️ Your VPN subscription expires in %s.\nExpiry date: %s\n\nRenew now to keep your access.",
		formatTimeLeft(hoursLeft),
		expiry.Format("02.01.2006 at 15:04"),
	)
}

// formatTimeLeft renders an hour count as days above one day.
func formatTimeLeft(hours int) string {
	if hours >= 24 {
		days := hours / 24
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
