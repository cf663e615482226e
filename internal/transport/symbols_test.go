package transport

import "testing"

func TestCanonical(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ggal", "GGAL"},
		{"YPF", "YPFD"},
		{"galicia", "GGAL"},
		{"AL30", "AL30"},
		{" al30d ", "AL30D"},
		{"AL30 - CI", "AL30 - CI"},
		{"ypf - 24hs", "YPFD - 24HS"},
		{"MERV - XMEV - AL30 - 24hs", "MERV - XMEV - AL30 - 24hs"},
		{"MERV - XMEV - AL30 - CI", "MERV - XMEV - AL30 - CI"},
	}
	for _, c := range cases {
		if got := Canonical(c.in); got != c.want {
			t.Errorf("Canonical(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeSettlement(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "CI"},
		{"ci", "CI"},
		{"T0", "CI"},
		{"t+0", "CI"},
		{"24hs", "24hs"},
		{"48HS", "24hs"},
		{"T1", "24hs"},
		{"t+1", "24hs"},
	}
	for _, c := range cases {
		if got := NormalizeSettlement(c.in); got != c.want {
			t.Errorf("NormalizeSettlement(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFullTicker(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"AL30", "MERV - XMEV - AL30 - 24hs"},
		{"al30 - ci", "MERV - XMEV - AL30 - CI"},
		{"ypf", "MERV - XMEV - YPFD - 24hs"},
		{"MERV - XMEV - GD30 - 24hs", "MERV - XMEV - GD30 - 24hs"},
	}
	for _, c := range cases {
		if got := FullTicker(c.in); got != c.want {
			t.Errorf("FullTicker(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRootSymbol(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"MERV - XMEV - AL30 - 24hs", "AL30"},
		{"MERV - XMEV - GGAL - CI", "GGAL"},
		{"AL30 - CI", "AL30"},
		{"AL30", "AL30"},
	}
	for _, c := range cases {
		if got := RootSymbol(c.in); got != c.want {
			t.Errorf("RootSymbol(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsBond(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"AL30", true},
		{"AL30D", true},
		{"GD35C", true},
		{"MERV - XMEV - AL30 - 24hs", true},
		{"GGAL", false},
		{"YPFD", false},
	}
	for _, c := range cases {
		if got := IsBond(c.in); got != c.want {
			t.Errorf("IsBond(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
