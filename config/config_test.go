package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory SettingReader for tests, standing in for storage.Store.
type fakeStore map[string]string

func (f fakeStore) GetSetting(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func TestResolverStorePrecedesEnv(t *testing.T) {
	t.Setenv("SPREADCTL_TEST_KEY", "from-env")
	r := NewResolver(fakeStore{"SPREADCTL_TEST_KEY": "from-store"})
	if got := r.String("SPREADCTL_TEST_KEY", "default"); got != "from-store" {
		t.Errorf("String() = %q, want store value to win over env", got)
	}
}

func TestResolverFallsBackToEnvThenDefault(t *testing.T) {
	t.Setenv("SPREADCTL_TEST_KEY2", "from-env")
	r := NewResolver(fakeStore{})
	if got := r.String("SPREADCTL_TEST_KEY2", "default"); got != "from-env" {
		t.Errorf("String() = %q, want env value when store is empty", got)
	}

	r2 := NewResolver(nil)
	if got := r2.String("SPREADCTL_TEST_KEY_UNSET", "default"); got != "default" {
		t.Errorf("String() = %q, want default when neither store nor env has the key", got)
	}
}

func TestResolverDecimal(t *testing.T) {
	r := NewResolver(fakeStore{"MIN_CREDIT_FRACTION": "0.40"})
	got := r.Decimal("MIN_CREDIT_FRACTION", decimal.NewFromFloat(0.33))
	if !got.Equal(decimal.NewFromFloat(0.40)) {
		t.Errorf("Decimal() = %s, want 0.40", got)
	}
}

func TestResolverDecimalFallsBackOnGarbage(t *testing.T) {
	r := NewResolver(fakeStore{"MIN_CREDIT_FRACTION": "not-a-number"})
	def := decimal.NewFromFloat(0.33)
	if got := r.Decimal("MIN_CREDIT_FRACTION", def); !got.Equal(def) {
		t.Errorf("Decimal() = %s, want default %s when the stored value doesn't parse", got, def)
	}
}

func TestResolverStringList(t *testing.T) {
	r := NewResolver(fakeStore{"UNDERLYING_WHITELIST": "SPY, QQQ,, IWM "})
	got := r.StringList("UNDERLYING_WHITELIST")
	want := []string{"SPY", "QQQ", "IWM"}
	if len(got) != len(want) {
		t.Fatalf("StringList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StringList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolverStringListUnsetIsNil(t *testing.T) {
	r := NewResolver(fakeStore{})
	if got := r.StringList("UNSET_LIST"); got != nil {
		t.Errorf("StringList() = %v, want nil for an unset key (unrestricted list)", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(NewResolver(nil))
	if cfg.MaxOpenTrades != 5 {
		t.Errorf("MaxOpenTrades default = %d, want 5", cfg.MaxOpenTrades)
	}
	if !cfg.StopLossFractionCredit.Equal(decimal.NewFromFloat(0.10)) {
		t.Errorf("StopLossFractionCredit default = %s, want 0.10", cfg.StopLossFractionCredit)
	}
	if cfg.StrategyWhitelist == nil {
		t.Error("StrategyWhitelist should default to an empty (non-nil) slice, not nil, since Load always allocates it")
	}
}
