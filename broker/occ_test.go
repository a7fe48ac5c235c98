package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

func TestEncodeDecodeOCCRoundTrip(t *testing.T) {
	exp := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	strike := decimal.NewFromFloat(427.5)

	symbol := EncodeOCC("spy", exp, types.Put, strike)

	root, decodedExp, optType, decodedStrike, err := DecodeOCC(symbol)
	if err != nil {
		t.Fatalf("DecodeOCC(%q): %v", symbol, err)
	}
	if root != "SPY" {
		t.Errorf("root = %q, want SPY", root)
	}
	if !decodedExp.Equal(exp) {
		t.Errorf("expiration = %v, want %v", decodedExp, exp)
	}
	if optType != types.Put {
		t.Errorf("optType = %s, want put", optType)
	}
	if !decodedStrike.Equal(strike) {
		t.Errorf("strike = %s, want %s", decodedStrike, strike)
	}
}

func TestEncodeOCCPadsShortRoots(t *testing.T) {
	exp := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	symbol := EncodeOCC("F", exp, types.Call, decimal.NewFromInt(12))
	if len(symbol) != 21 {
		t.Fatalf("OCC symbol length = %d, want 21 (6 root + 6 date + 1 type + 8 strike)", len(symbol))
	}
	if symbol[:6] != "F     " {
		t.Errorf("root field = %q, want right-padded 'F     '", symbol[:6])
	}
}

func TestDecodeOCCRejectsShortSymbol(t *testing.T) {
	if _, _, _, _, err := DecodeOCC("SPY2608"); err == nil {
		t.Error("expected an error decoding a truncated OCC symbol")
	}
}

func TestDecodeOCCRejectsBadOptionType(t *testing.T) {
	if _, _, _, _, err := DecodeOCC("SPY   260821X00427500"); err == nil {
		t.Error("expected an error decoding an OCC symbol with a non C/P type char")
	}
}
