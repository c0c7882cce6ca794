package money

import (
	"math/big"
	"testing"
)

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "abc", "-5", "+5", "1e9", "1.2.3", ".5", "5."}
	for _, input := range cases {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) 应该失败", input)
		}
	}
}

func TestParsePositiveBounds(t *testing.T) {
	if _, err := ParsePositive("0"); err == nil {
		t.Fatal("零金额应该被拒绝")
	}
	if _, err := ParsePositive("1000000001"); err == nil {
		t.Fatal("超过上限的金额应该被拒绝")
	}
	if _, err := ParsePositive("999999999.99"); err != nil {
		t.Fatalf("合法金额被拒绝: %v", err)
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("1000")
	b := MustParse("200")
	if got := a.Sub(b).String(); got != "800" {
		t.Fatalf("1000-200 = %s, 期望 800", got)
	}
	if got := b.Add(MustParse("0.5")).String(); got != "200.5" {
		t.Fatalf("200+0.5 = %s, 期望 200.5", got)
	}
	if a.Cmp(b) <= 0 {
		t.Fatal("1000 应该大于 200")
	}
}

func TestWithinTolerance(t *testing.T) {
	tol := MustParse("0.01")
	if !MustParse("100").WithinTolerance(MustParse("100.01"), tol) {
		t.Fatal("差值等于容差时应该通过")
	}
	if MustParse("100").WithinTolerance(MustParse("100.02"), tol) {
		t.Fatal("差值超过容差时应该失败")
	}
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	amount := MustParse("12.5")
	units, err := amount.BaseUnits(6)
	if err != nil {
		t.Fatalf("BaseUnits 失败: %v", err)
	}
	if units.Cmp(big.NewInt(12_500_000)) != 0 {
		t.Fatalf("12.5 的最小单位 = %s, 期望 12500000", units)
	}
	back := FromBaseUnits(units, 6)
	if back.Cmp(amount) != 0 {
		t.Fatalf("往返换算不一致: %s", back)
	}
}

func TestBaseUnitsRejectsExcessPrecision(t *testing.T) {
	amount := MustParse("1.0000001")
	if _, err := amount.BaseUnits(6); err == nil {
		t.Fatal("超出代币精度的金额应该报错")
	}
}
