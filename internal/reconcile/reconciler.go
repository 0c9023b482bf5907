// Package reconcile converges local key records toward remote panel truth,
// squad by squad: grace-expired keys are retired on both sides, drifted
// records are refreshed from the panel, and orphaned remote accounts are
// relinked to their owners where recoverable.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/panelwarden/panelwarden/internal/panel"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// gracePeriod is how long past expiry a key is still reconciled rather
	// than hard-deleted.
	gracePeriod = 5 * 24 * time.Hour

	// expiryTolerance absorbs sub-second rounding between the panel's
	// millisecond timestamps and ours.
	expiryTolerance = time.Second
)

// Result counts the repairs applied across one reconcile pass.
type Result struct {
	Updated  int // local records refreshed from remote truth
	Deleted  int // grace-expired keys retired on both sides
	Orphaned int // local records dropped because the panel has no match
	Relinked int // remote accounts re-bound to a recovered local owner
	Failed   int // squads abandoned on fetch or store error this pass
}

// Total returns the number of record mutations in the pass.
func (r Result) Total() int {
	return r.Updated + r.Deleted + r.Orphaned + r.Relinked
}

// Reconciler diffs local key records against panel listings and repairs
// both sides.
type Reconciler struct {
	store  storage.Store
	panel  panel.Client
	clk    clock.Clock
	log    zerolog.Logger
	dryRun bool
}

// New constructs a Reconciler.
func New(store storage.Store, panelClient panel.Client, clk clock.Clock, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		panel: panelClient,
		clk:   clk,
		log:   log,
	}
}

// WithDryRun makes the reconciler report repairs without applying them.
// Counts in the Result reflect what a real pass would have done.
func (r *Reconciler) WithDryRun(enabled bool) *Reconciler {
	r.dryRun = enabled
	return r
}

// SyncAll reconciles every configured squad. A failure in one squad never
// blocks the others; divergent state left behind is retried on the next
// tick, since the diff is recomputed from scratch each pass.
func (r *Reconciler) SyncAll(ctx context.Context) Result {
	var total Result

	squads, err := r.store.ListSquads()
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: list squads failed")
		total.Failed++
		return total
	}
	if len(squads) == 0 {
		r.log.Debug().Msg("reconcile: no squads configured, skipping")
		return total
	}

	for _, squad := range squads {
		if ctx.Err() != nil {
			return total
		}
		if squad.SquadID == "" {
			r.log.Warn().Str("host", squad.HostName).Msg("reconcile: squad has no id, cannot sync")
			continue
		}
		res, err := r.syncSquad(ctx, squad)
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues(squad.HostName).Inc()
			r.log.Error().Err(err).Str("host", squad.HostName).Msg("reconcile: squad sync failed")
			total.Failed++
			continue
		}
		total.Updated += res.Updated
		total.Deleted += res.Deleted
		total.Orphaned += res.Orphaned
		total.Relinked += res.Relinked
	}

	if total.Total() > 0 {
		r.log.Info().Int("updated", total.Updated).Int("deleted", total.Deleted).
			Int("orphaned", total.Orphaned).Int("relinked", total.Relinked).
			Msg("reconcile pass complete")
	} else {
		r.log.Debug().Msg("reconcile pass complete, no repairs")
	}
	return total
}

// syncSquad converges one squad. Panics inside a single squad degrade to an
// error so a bad record cannot take the whole pass down.
func (r *Reconciler) syncSquad(ctx context.Context, squad storage.Squad) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in squad %s: %v", squad.HostName, rec)
		}
	}()

	remote, err := r.panel.ListAccounts(ctx, squad.SquadID)
	if err != nil {
		return res, fmt.Errorf("list remote accounts: %w", err)
	}

	// Entries left in this map after the local loop are orphans on the
	// panel side.
	remoteByEmail := make(map[string]panel.Account, len(remote))
	for _, acct := range remote {
		remoteByEmail[NormalizeEmail(acct.Email)] = acct
	}

	localKeys, err := r.store.KeysForSquad(squad.HostName)
	if err != nil {
		return res, fmt.Errorf("list local keys: %w", err)
	}
	metrics.TrackedKeys.WithLabelValues(squad.HostName).Set(float64(len(localKeys)))

	now := r.clk.Now()

	for _, key := range localKeys {
		email := NormalizeEmail(key.Email)
		if email == "" {
			continue
		}
		match, matched := remoteByEmail[email]
		delete(remoteByEmail, email)

		switch {
		case !key.ExpiresAt.IsZero() && now.Sub(key.ExpiresAt) > gracePeriod:
			// Fully retired regardless of whether the panel still knows it.
			r.retireKey(ctx, squad, key, match, matched, &res)

		case matched:
			if r.driftDetected(key, match) {
				if r.dryRun {
					res.Updated++
					r.log.Info().Str("email", email).Str("host", squad.HostName).
						Msg("reconcile: dry run, would refresh key from panel")
					continue
				}
				updated, err := r.store.UpdateKeyFromRemote(email, storage.KeyUpdate{
					RemoteUUID:      match.UUID,
					ExpiresAt:       match.ExpiresAt,
					SubscriptionURL: match.SubscriptionURL,
				})
				if err != nil {
					r.log.Error().Err(err).Str("email", email).Msg("reconcile: update from remote failed")
					continue
				}
				if updated {
					res.Updated++
					metrics.ReconcileRepairs.WithLabelValues(squad.HostName, "updated").Inc()
					r.log.Debug().Str("email", email).Str("host", squad.HostName).
						Msg("reconcile: refreshed key from panel")
				}
			}

		default:
			// Local record with no panel account and not past grace: the
			// local store is a cache of remote truth, so the record goes.
			if r.dryRun {
				res.Orphaned++
				r.log.Warn().Str("email", email).Str("host", squad.HostName).
					Msg("reconcile: dry run, would drop key missing on panel")
				continue
			}
			deleted, err := r.store.DeleteKeyByEmail(email)
			if err != nil {
				r.log.Error().Err(err).Str("email", email).Msg("reconcile: orphan delete failed")
				continue
			}
			if deleted {
				res.Orphaned++
				metrics.ReconcileRepairs.WithLabelValues(squad.HostName, "orphaned").Inc()
				r.log.Warn().Str("email", email).Str("host", squad.HostName).
					Msg("reconcile: key missing on panel, dropped local record")
			}
		}
	}

	r.relinkOrphans(squad, remoteByEmail, &res)
	return res, nil
}

// retireKey deletes a grace-expired key remotely (best effort) and locally.
func (r *Reconciler) retireKey(ctx context.Context, squad storage.Squad, key storage.KeyRecord,
	match panel.Account, matched bool, res *Result) {

	email := NormalizeEmail(key.Email)
	remoteEmail := email
	if matched && match.Email != "" {
		remoteEmail = match.Email
	}

	if r.dryRun {
		res.Deleted++
		r.log.Info().Str("email", email).Str("host", squad.HostName).
			Msg("reconcile: dry run, would retire key expired past grace period")
		return
	}

	if err := r.panel.DeleteAccount(ctx, squad.SquadID, remoteEmail); err != nil {
		// Local deletion proceeds; the panel side is retried implicitly if
		// the account shows up as an unparseable orphan on a later pass.
		r.log.Error().Err(err).Str("email", email).Str("host", squad.HostName).
			Msg("reconcile: remote delete of expired key failed")
	}

	deleted, err := r.store.DeleteKeyByEmail(email)
	if err != nil {
		r.log.Error().Err(err).Str("email", email).Msg("reconcile: local delete of expired key failed")
		return
	}
	if deleted {
		res.Deleted++
		metrics.ReconcileRepairs.WithLabelValues(squad.HostName, "deleted").Inc()
		r.log.Info().Str("email", email).Str("host", squad.HostName).
			Msg("reconcile: retired key expired past grace period")
	}
}

// driftDetected reports whether the local record disagrees with the panel
// beyond tolerance. A remote record without an expiry or subscription URL
// contributes nothing to the comparison.
func (r *Reconciler) driftDetected(key storage.KeyRecord, remote panel.Account) bool {
	if !remote.ExpiresAt.IsZero() && !key.ExpiresAt.IsZero() {
		delta := remote.ExpiresAt.Sub(key.ExpiresAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > expiryTolerance {
			return true
		}
	}
	if remote.SubscriptionURL != "" && remote.SubscriptionURL != key.SubscriptionURL {
		return true
	}
	return false
}

// relinkOrphans binds unmatched remote accounts back to local users when the
// generated email encodes a recoverable, existing owner.
func (r *Reconciler) relinkOrphans(squad storage.Squad, orphans map[string]panel.Account, res *Result) {
	for email, acct := range orphans {
		userID, ok := ExtractUserID(email)
		if !ok {
			r.log.Warn().Str("email", acct.Email).Str("host", squad.HostName).
				Msg("reconcile: orphan account has no recoverable user id")
			continue
		}

		exists, err := r.store.UserExists(userID)
		if err != nil {
			r.log.Error().Err(err).Str("email", acct.Email).Msg("reconcile: user lookup failed")
			continue
		}
		if !exists {
			r.log.Warn().Str("email", acct.Email).Int64("user_id", userID).Str("host", squad.HostName).
				Msg("reconcile: orphan account references unknown user")
			continue
		}

		// Another squad may already hold this email; the panel join key is
		// globally unique locally.
		existing, err := r.store.GetKeyByEmail(email)
		if err != nil {
			r.log.Error().Err(err).Str("email", acct.Email).Msg("reconcile: key lookup failed")
			continue
		}
		if existing != nil {
			continue
		}

		if r.dryRun {
			res.Relinked++
			r.log.Info().Str("email", acct.Email).Int64("user_id", userID).Str("host", squad.HostName).
				Msg("reconcile: dry run, would relink orphan account")
			continue
		}

		id, err := r.store.RecordKey(storage.KeyRecord{
			UserID:          userID,
			HostName:        squad.HostName,
			RemoteUUID:      acct.UUID,
			Email:           email,
			ExpiresAt:       acct.ExpiresAt,
			SubscriptionURL: acct.SubscriptionURL,
		})
		if err != nil {
			r.log.Error().Err(err).Str("email", acct.Email).Msg("reconcile: relink failed")
			continue
		}
		res.Relinked++
		metrics.ReconcileRepairs.WithLabelValues(squad.HostName, "relinked").Inc()
		r.log.Info().Str("email", acct.Email).Int64("user_id", userID).Int64("key_id", id).
			Str("host", squad.HostName).Msg("reconcile: relinked orphan account")
	}
}
