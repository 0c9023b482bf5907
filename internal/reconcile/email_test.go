package reconcile

import "testing"

func TestExtractUserID(t *testing.T) {
	cases := []struct {
		email  string
		wantID int64
		wantOK bool
	}{
		{"user42_alice@bot.local", 42, true},
		{"user123456789@bot.local", 123456789, true},
		{"prefix-user7-suffix", 7, true},
		{"user0_zero@bot.local", 0, false},
		{"alice@example.com", 0, false},
		{"userx@example.com", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		id, ok := ExtractUserID(c.email)
		if ok != c.wantOK || id != c.wantID {
			t.Errorf("ExtractUserID(%q) = (%d, %v), want (%d, %v)", c.email, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  User42_Alice@Bot.Local  ", "user42_alice@bot.local"},
		{"plain@example.com", "plain@example.com"},
		{"  ", ""},
	}
	for _, c := range cases {
		if got := NormalizeEmail(c.in); got != c.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
