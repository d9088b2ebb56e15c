package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRemaining(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		s    State
		want string
	}{
		{"fresh free", State{Plan: PlanFree, CreditsUsed: d("0")}, "5"},
		{"partly used", State{Plan: PlanFree, CreditsUsed: d("4.9")}, "0.1"},
		{"overdrawn clamps to zero", State{Plan: PlanFree, CreditsUsed: d("7")}, "0"},
		{"pro", State{Plan: PlanPro, CreditsUsed: d("12.3")}, "87.7"},
		{"enterprise", State{Plan: PlanEnterprise, CreditsUsed: d("0")}, "10000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Remaining(tt.s); !got.Equal(d(tt.want)) {
				t.Fatalf("Remaining = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyResetFreePlan(t *testing.T) {
	p := DefaultPolicy()
	s := State{Plan: PlanFree, CreditsUsed: d("3.2"), ResetDate: now.Add(-time.Hour)}

	got, reset := p.ApplyReset(s, now)
	if !reset {
		t.Fatal("expected reset to apply")
	}
	if !got.CreditsUsed.IsZero() {
		t.Fatalf("CreditsUsed = %s, want 0", got.CreditsUsed)
	}
	if want := now.Add(30 * 24 * time.Hour); !got.ResetDate.Equal(want) {
		t.Fatalf("ResetDate = %v, want %v", got.ResetDate, want)
	}

	again, reset := p.ApplyReset(got, now.Add(29*24*time.Hour))
	if reset {
		t.Fatal("second reset inside the cycle should be a no-op")
	}
	if !again.ResetDate.Equal(got.ResetDate) {
		t.Fatalf("ResetDate moved to %v", again.ResetDate)
	}
}

func TestApplyResetSkipsPaidPlans(t *testing.T) {
	p := DefaultPolicy()
	for _, plan := range []Plan{PlanPro, PlanEnterprise} {
		s := State{Plan: plan, CreditsUsed: d("10"), ResetDate: now.Add(-time.Hour)}
		if _, reset := p.ApplyReset(s, now); reset {
			t.Fatalf("plan %s should not reset", plan)
		}
	}
}

func TestApplyDeduct(t *testing.T) {
	p := DefaultPolicy()
	s := State{Plan: PlanFree, CreditsUsed: d("4.9"), ResetDate: now.Add(time.Hour)}

	res, err := p.ApplyDeduct(s, d("0.1"), now)
	if err != nil {
		t.Fatalf("ApplyDeduct: %v", err)
	}
	if !res.After.CreditsUsed.Equal(d("5.0")) {
		t.Fatalf("CreditsUsed = %s, want 5.0", res.After.CreditsUsed)
	}
	if !p.Remaining(res.After).IsZero() {
		t.Fatalf("Remaining = %s, want 0", p.Remaining(res.After))
	}

	if _, err := p.ApplyDeduct(res.After, d("0.1"), now); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestApplyDeductRejectsNonPositive(t *testing.T) {
	p := DefaultPolicy()
	s := p.NewState(now)
	for _, c := range []string{"0", "-1", "0.01"} {
		if _, err := p.ApplyDeduct(s, d(c), now); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("cost %s: err = %v, want ErrInvalidAmount", c, err)
		}
	}
}

func TestApplyDeductProDowngrade(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name      string
		used      string
		cost      string
		downgrade bool
		wantUsed  string
	}{
		{"stays pro at exactly five remaining", "94.9", "0.1", false, "95"},
		{"downgrades below five remaining", "95", "0.1", true, "0"},
		{"analysis cost crosses floor", "94.9", "0.2", true, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{Plan: PlanPro, CreditsUsed: d(tt.used), ResetDate: now.Add(-time.Hour)}
			res, err := p.ApplyDeduct(s, d(tt.cost), now)
			if err != nil {
				t.Fatalf("ApplyDeduct: %v", err)
			}
			if res.Downgraded != tt.downgrade {
				t.Fatalf("Downgraded = %v, want %v", res.Downgraded, tt.downgrade)
			}
			if !res.After.CreditsUsed.Equal(d(tt.wantUsed)) {
				t.Fatalf("CreditsUsed = %s, want %s", res.After.CreditsUsed, tt.wantUsed)
			}
			if tt.downgrade {
				if res.After.Plan != PlanFree {
					t.Fatalf("Plan = %s, want free", res.After.Plan)
				}
				if want := now.Add(30 * 24 * time.Hour); !res.After.ResetDate.Equal(want) {
					t.Fatalf("ResetDate = %v, want %v", res.After.ResetDate, want)
				}
			}
		})
	}
}

// 从 pro 满额开始连续扣 0.1：第 951 次时剩余跌破 5，触发降级，此前不能有任何精度漂移
func TestSequentialDeductionsNoDrift(t *testing.T) {
	p := DefaultPolicy()
	s := State{Plan: PlanPro, CreditsUsed: decimal.Zero, ResetDate: now}
	cost := d("0.1")

	for i := 1; i <= 950; i++ {
		res, err := p.ApplyDeduct(s, cost, now)
		if err != nil {
			t.Fatalf("deduction %d: %v", i, err)
		}
		if res.Downgraded {
			t.Fatalf("deduction %d downgraded early", i)
		}
		s = res.After
	}
	if !s.CreditsUsed.Equal(d("95.0")) {
		t.Fatalf("after 950 deductions CreditsUsed = %s, want 95.0", s.CreditsUsed)
	}

	res, err := p.ApplyDeduct(s, cost, now)
	if err != nil {
		t.Fatalf("deduction 951: %v", err)
	}
	if !res.Downgraded || res.After.Plan != PlanFree {
		t.Fatalf("deduction 951 should downgrade, got plan %s", res.After.Plan)
	}
}

func TestThousandTenthsSumExactly(t *testing.T) {
	sum := decimal.Zero
	for i := 0; i < 1000; i++ {
		sum = Round1(sum.Add(d("0.1")))
	}
	if !sum.Equal(d("100.0")) {
		t.Fatalf("sum = %s, want 100.0", sum)
	}
}

func TestApplyTopUp(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name     string
		s        State
		wantUsed string
	}{
		{"free exhausted", State{Plan: PlanFree, CreditsUsed: d("5")}, "0"},
		{"pro partly used floors at zero", State{Plan: PlanPro, CreditsUsed: d("40.3")}, "0"},
		{"large usage", State{Plan: PlanEnterprise, CreditsUsed: d("250.5")}, "150.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ApplyTopUp(tt.s, d("100"))
			if err != nil {
				t.Fatalf("ApplyTopUp: %v", err)
			}
			if got.Plan != PlanPro {
				t.Fatalf("Plan = %s, want pro", got.Plan)
			}
			if !got.CreditsUsed.Equal(d(tt.wantUsed)) {
				t.Fatalf("CreditsUsed = %s, want %s", got.CreditsUsed, tt.wantUsed)
			}
		})
	}
}

func TestChangePlanProportional(t *testing.T) {
	p := DefaultPolicy()
	s := State{Plan: PlanFree, CreditsUsed: d("2.5"), ResetDate: now}

	got, err := p.ChangePlan(s, PlanPro, now)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !got.CreditsUsed.Equal(d("50")) {
		t.Fatalf("CreditsUsed = %s, want 50", got.CreditsUsed)
	}
	if want := now.Add(30 * 24 * time.Hour); !got.ResetDate.Equal(want) {
		t.Fatalf("ResetDate = %v, want %v", got.ResetDate, want)
	}

	if _, err := p.ChangePlan(s, Plan("gold"), now); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("err = %v, want ErrUnknownPlan", err)
	}
}

func TestChangePlanSamePlanKeepsUsage(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		s    State
	}{
		{"pro with fractional usage", State{Plan: PlanPro, CreditsUsed: d("37.5"), ResetDate: now.Add(-time.Hour)}},
		{"free nearly exhausted", State{Plan: PlanFree, CreditsUsed: d("4.9"), ResetDate: now.Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ChangePlan(tt.s, tt.s.Plan, now)
			if err != nil {
				t.Fatalf("ChangePlan: %v", err)
			}
			if !got.CreditsUsed.Equal(tt.s.CreditsUsed) {
				t.Fatalf("CreditsUsed = %s, want %s", got.CreditsUsed, tt.s.CreditsUsed)
			}
			if got.Plan != tt.s.Plan {
				t.Fatalf("Plan = %s, want %s", got.Plan, tt.s.Plan)
			}
			if want := now.Add(30 * 24 * time.Hour); !got.ResetDate.Equal(want) {
				t.Fatalf("ResetDate = %v, want %v", got.ResetDate, want)
			}
		})
	}
}

func TestUsage(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name    string
		s       State
		wantPct string
		wantRem string
	}{
		{"quarter used", State{Plan: PlanPro, CreditsUsed: d("25")}, "25", "75"},
		{"rounds to whole percent", State{Plan: PlanFree, CreditsUsed: d("0.3")}, "6", "4.7"},
		{"half rounds up", State{Plan: PlanPro, CreditsUsed: d("12.5")}, "13", "87.5"},
		{"overdrawn caps at 100", State{Plan: PlanFree, CreditsUsed: d("7")}, "100", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := p.Usage(tt.s)
			if !u.PercentageUsed.Equal(d(tt.wantPct)) {
				t.Fatalf("PercentageUsed = %s, want %s", u.PercentageUsed, tt.wantPct)
			}
			if !u.Remaining.Equal(d(tt.wantRem)) {
				t.Fatalf("Remaining = %s, want %s", u.Remaining, tt.wantRem)
			}
		})
	}
}

func TestInsufficientMessage(t *testing.T) {
	got := InsufficientMessage(d("0"), PlanFree)
	want := "Not enough credits. You have 0.0 credits remaining on your free plan."
	if got != want {
		t.Fatalf("InsufficientMessage = %q, want %q", got, want)
	}
}
