package asset

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_Valid(t *testing.T) {
	tests := map[string]Asset{
		"eth":   ETH,
		"ETH":   ETH,
		" Eth ": ETH,
		"0":     ETH,
		"btc":   BTC,
		"BTC":   BTC,
		"1":     BTC,
	}
	for in, want := range tests {
		got, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "sol", "2", "-1", "256", "ETHBTC"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidAsset) {
			t.Errorf("Parse(%q): expected ErrInvalidAsset, got %v", in, err)
		}
	}
}

func TestFromIndex(t *testing.T) {
	if a, err := FromIndex(1); err != nil || a != BTC {
		t.Errorf("FromIndex(1) = %v, %v", a, err)
	}
	if _, err := FromIndex(7); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset for index 7, got %v", err)
	}
}

func TestText_RoundTrip(t *testing.T) {
	for _, a := range All() {
		b, err := a.MarshalText()
		if err != nil {
			t.Fatalf("marshal %s: %v", a, err)
		}
		var back Asset
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != a {
			t.Errorf("round trip %s -> %s", a, back)
		}
	}
	if _, err := Asset(9).MarshalText(); err == nil {
		t.Error("expected error marshaling unknown asset")
	}
}

func TestParseScaled(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"100", 10_000_000_000},
		{"0", 0},
		{"0.00000001", 1},
		{"1234.5", 123_450_000_000},
		{"1.123456789", 112_345_678}, // truncated past 8 decimals
		{"007", 700_000_000},
	}
	for _, tt := range tests {
		got, err := ParseScaled(tt.in, PriceDecimals)
		if err != nil {
			t.Errorf("ParseScaled(%q): %v", tt.in, err)
			continue
		}
		if !got.IsUint64() || got.Uint64() != tt.want {
			t.Errorf("ParseScaled(%q) = %s, want %d", tt.in, got.Dec(), tt.want)
		}
	}
}

func TestParseScaled_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "1.", ".5", "1e5", "1,000"} {
		if _, err := ParseScaled(in, PriceDecimals); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseScaled(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("1000000000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Uint64() != 1_000_000_000_000_000_000 {
		t.Errorf("unexpected value %s", v.Dec())
	}
	if _, err := ParseUnits("x1"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	huge := "115792089237316195423570985008687907853269984665640564039457584007913129639936" // 2^256
	if _, err := ParseUnits(huge); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestFormatScaled(t *testing.T) {
	got := FormatScaled(12_000_000_000, PriceDecimals)
	if !got.Equal(decimal.NewFromInt(120)) {
		t.Errorf("expected 120, got %s", got)
	}
	got = FormatScaled(1, PriceDecimals)
	if got.String() != "0.00000001" {
		t.Errorf("expected 0.00000001, got %s", got)
	}
	got = FormatScaled(^uint64(0), StakeDecimals)
	if got.String() != "18.446744073709551615" {
		t.Errorf("unexpected max stake format %s", got)
	}
}
