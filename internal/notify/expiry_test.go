package notify

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/panelwarden/panelwarden/internal/testutil"
	"github.com/rs/zerolog"
)

func newNotifier(t *testing.T) (*ExpiryNotifier, *testutil.MockStore, *testutil.MockSink, *testutil.FakeClock) {
	t.Helper()
	store := testutil.NewMockStore()
	sink := testutil.NewMockSink()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewExpiryNotifier(store, sink, clk, zerolog.Nop()), store, sink, clk
}

func addExpiringKey(t *testing.T, store *testutil.MockStore, userID int64, email string, expiry time.Time) {
	t.Helper()
	if _, err := store.RecordKey(storage.KeyRecord{
		UserID: userID, HostName: "de-1", Email: email, ExpiresAt: expiry,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestThresholdCrossing(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	// Expires in 48h30m: whole hours left is 48, on the 48h mark.
	addExpiringKey(t, store, 7, "user7_a@bot.local", clk.Now().Add(48*time.Hour+30*time.Minute))

	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := sink.SentToUser(7)
	if len(msgs) != 1 {
		t.Fatalf("expected one notification, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "2 days") {
		t.Errorf("48h threshold should read as two days: %q", msgs[0].Text)
	}

	// Rescan within the same hour: already fired.
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(7)); got != 1 {
		t.Fatalf("threshold must fire at most once, got %d sends", got)
	}

	// An hour later the key is between marks: nothing fires.
	clk.Advance(time.Hour)
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(7)); got != 1 {
		t.Fatalf("no mark crossed, got %d sends", got)
	}

	// Down to 24h30m: the 24h mark fires.
	clk.Advance(23 * time.Hour)
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(7)); got != 2 {
		t.Fatalf("24h threshold should fire, got %d sends total", got)
	}
}

func TestExpiredAndZeroExpirySkipped(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	addExpiringKey(t, store, 1, "user1_gone@bot.local", clk.Now().Add(-time.Hour))
	addExpiringKey(t, store, 2, "user2_none@bot.local", time.Time{})

	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.Sent()); got != 0 {
		t.Fatalf("expired or unset expiry must not notify, got %d", got)
	}
}

func TestFarFutureExpiryNotNotified(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	addExpiringKey(t, store, 3, "user3_far@bot.local", clk.Now().Add(200*time.Hour))

	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.Sent()); got != 0 {
		t.Fatalf("key above the highest threshold must not notify, got %d", got)
	}
}

func TestSendFailureRetriedNextScan(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	addExpiringKey(t, store, 9, "user9_x@bot.local", clk.Now().Add(24*time.Hour+30*time.Minute))

	sink.SetError("SendToUser", fmt.Errorf("sink unavailable"))
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(9)); got != 0 {
		t.Fatalf("failed send should record nothing, got %d", got)
	}

	// The dedup entry was not recorded, so the next scan retries.
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(9)); got != 1 {
		t.Fatalf("next scan should deliver the warning, got %d", got)
	}
}

func TestSendFailureDoesNotBlockOtherUsers(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	addExpiringKey(t, store, 1, "user1_a@bot.local", clk.Now().Add(24*time.Hour+30*time.Minute))
	addExpiringKey(t, store, 2, "user2_b@bot.local", clk.Now().Add(24*time.Hour+30*time.Minute))

	// Injected error hits only the first delivery attempt.
	sink.SetError("SendToUser", fmt.Errorf("temporary failure"))
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.Sent()); got != 1 {
		t.Fatalf("one user's failure must not block the rest, got %d deliveries", got)
	}
}

func TestDedupStateCleanedForDeletedKeys(t *testing.T) {
	n, store, sink, clk := newNotifier(t)
	addExpiringKey(t, store, 7, "user7_a@bot.local", clk.Now().Add(24*time.Hour+30*time.Minute))

	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.SentToUser(7)); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
	if len(n.fired) != 1 {
		t.Fatalf("expected one dedup entry, got %d", len(n.fired))
	}

	if _, err := store.DeleteKeyByEmail("user7_a@bot.local"); err != nil {
		t.Fatal(err)
	}
	if err := n.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(n.fired) != 0 {
		t.Fatalf("dedup entries for deleted keys should be dropped, got %d", len(n.fired))
	}
}

func TestFormatTimeLeft(t *testing.T) {
	cases := []struct {
		hours int
		want  string
	}{
		{72, "3 days"},
		{48, "2 days"},
		{24, "1 day"},
		{23, "23 hours"},
		{1, "1 hour"},
	}
	for _, c := range cases {
		if got := formatTimeLeft(c.hours); got != c.want {
			t.Errorf("formatTimeLeft(%d) = %q, want %q", c.hours, got, c.want)
		}
	}
}
