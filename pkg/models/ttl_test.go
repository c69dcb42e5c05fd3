package models

import "testing"

func TestTimeFormatValid(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"1m":    1,
		"45m":   45,
		"2h":    120,
		"24h":   1440,
		"1d":    1440,
		"30d":   43200,
		" 3h ":  180,
		"10H":   600,
		"0090m": 90,
	}
	for in, want := range cases {
		got, ok := TimeFormat(in)
		if !ok {
			t.Fatalf("TimeFormat(%q) rejected valid input", in)
		}
		if got != want {
			t.Fatalf("TimeFormat(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestTimeFormatFallsBackToDefault(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "m", "h", "2", "2w", "abc", "-5m", "+5m", "0m", "0d", "1.5h", "2 h", "99999999999999999999d", "9223372036854775807d"} {
		got, ok := TimeFormat(in)
		if ok {
			t.Fatalf("TimeFormat(%q) accepted invalid input", in)
		}
		if got != DefaultTTLMinutes {
			t.Fatalf("TimeFormat(%q) = %d, want default %d", in, got, DefaultTTLMinutes)
		}
	}
	if DefaultTTLMinutes != 43200 {
		t.Fatalf("default ttl drifted: %d", DefaultTTLMinutes)
	}
}
