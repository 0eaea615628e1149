package exchange

import (
	"math/big"
	"testing"
)

func TestFormatDecimalAmount(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"0", 6, "0"},
		{"1000000", 6, "1"},
		{"1500000", 6, "1.5"},
		{"1", 6, "0.000001"},
		{"1000000000000000000", 18, "1"},
		{"996000000000000000", 18, "0.996"},
		{"1234", 0, "1234"},
	}
	for _, tc := range cases {
		amount, ok := new(big.Int).SetString(tc.amount, 10)
		if !ok {
			t.Fatalf("bad amount %q", tc.amount)
		}
		got := formatDecimalAmount(amount, tc.decimals)
		if got != tc.want {
			t.Fatalf("format %s with %d decimals: expected %q, got %q", tc.amount, tc.decimals, tc.want, got)
		}
	}
}

func TestParseDecimalAmount(t *testing.T) {
	cases := []struct {
		value    string
		decimals int
		want     string
	}{
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"0.996", 18, "996000000000000000"},
		{"0", 6, "0"},
	}
	for _, tc := range cases {
		got, err := parseDecimalAmount(tc.value, tc.decimals)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.value, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parse %q with %d decimals: expected %s, got %s", tc.value, tc.decimals, tc.want, got)
		}
	}
}

func TestParseDecimalAmountRejectsExcessPrecision(t *testing.T) {
	if _, err := parseDecimalAmount("1.0000001", 6); err == nil {
		t.Fatal("expected an error for excess fractional digits")
	}
	if _, err := parseDecimalAmount("", 6); err == nil {
		t.Fatal("expected an error for an empty amount")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	amount, _ := new(big.Int).SetString("990000000000000000", 10)
	got, err := parseDecimalAmount(formatDecimalAmount(amount, 18), 18)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got.Cmp(amount) != 0 {
		t.Fatalf("round trip changed the amount: %s", got)
	}
}
