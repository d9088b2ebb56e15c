// Package ledger 额度账本的纯计算规则：套餐额度、月度重置、扣减、充值与套餐变更。
// 所有小数运算使用 decimal 并在每一步后保留一位小数。
package ledger

import (
	"errors"
	"fmt"
	"time"

	"creditgate/internal/config"

	"github.com/shopspring/decimal"
)

// Plan 套餐
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrInvalidAmount       = errors.New("amount must be greater than 0")
)

// ParsePlan 解析套餐名称
func ParsePlan(s string) (Plan, error) {
	switch Plan(s) {
	case PlanFree, PlanPro, PlanEnterprise:
		return Plan(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
}

// Rule 单个套餐的额度规则
type Rule struct {
	Limit     decimal.Decimal
	ResetDays int
}

// Policy 进程级只读的套餐配置，启动时加载一次
type Policy struct {
	rules          map[Plan]Rule
	downgradeFloor decimal.Decimal
}

// NewPolicy 创建套餐规则
func NewPolicy(rules map[Plan]Rule, downgradeFloor decimal.Decimal) *Policy {
	copied := make(map[Plan]Rule, len(rules))
	for k, v := range rules {
		copied[k] = Rule{Limit: Round1(v.Limit), ResetDays: v.ResetDays}
	}
	return &Policy{rules: copied, downgradeFloor: Round1(downgradeFloor)}
}

// DefaultPolicy free=5, pro=100, enterprise=10000
func DefaultPolicy() *Policy {
	return NewPolicy(map[Plan]Rule{
		PlanFree:       {Limit: decimal.NewFromInt(5), ResetDays: 30},
		PlanPro:        {Limit: decimal.NewFromInt(100), ResetDays: 30},
		PlanEnterprise: {Limit: decimal.NewFromInt(10000), ResetDays: 30},
	}, decimal.NewFromInt(5))
}

// PolicyFromConfig 从配置加载套餐规则
func PolicyFromConfig(plans config.PlansConfig, downgradeFloor float64) *Policy {
	return NewPolicy(map[Plan]Rule{
		PlanFree:       {Limit: decimal.NewFromFloat(plans.Free.Limit), ResetDays: plans.Free.ResetDays},
		PlanPro:        {Limit: decimal.NewFromFloat(plans.Pro.Limit), ResetDays: plans.Pro.ResetDays},
		PlanEnterprise: {Limit: decimal.NewFromFloat(plans.Enterprise.Limit), ResetDays: plans.Enterprise.ResetDays},
	}, decimal.NewFromFloat(downgradeFloor))
}

// Round1 保留一位小数
func Round1(d decimal.Decimal) decimal.Decimal {
	return d.Round(1)
}

// Limit 套餐额度，未知套餐按 free 处理
func (p *Policy) Limit(plan Plan) decimal.Decimal {
	if r, ok := p.rules[plan]; ok {
		return r.Limit
	}
	return p.rules[PlanFree].Limit
}

func (p *Policy) cycle(plan Plan) time.Duration {
	days := 30
	if r, ok := p.rules[plan]; ok && r.ResetDays > 0 {
		days = r.ResetDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// State 账户额度快照
type State struct {
	Plan        Plan
	CreditsUsed decimal.Decimal
	ResetDate   time.Time
}

// NewState 新用户的初始状态
func (p *Policy) NewState(now time.Time) State {
	return State{
		Plan:        PlanFree,
		CreditsUsed: decimal.Zero,
		ResetDate:   now.Add(p.cycle(PlanFree)),
	}
}

// Remaining = max(0, limit - used)
func (p *Policy) Remaining(s State) decimal.Decimal {
	r := Round1(p.Limit(s.Plan).Sub(Round1(s.CreditsUsed)))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ResetDue 仅 free 套餐按周期重置
func (p *Policy) ResetDue(s State, now time.Time) bool {
	return s.Plan == PlanFree && !now.Before(s.ResetDate)
}

// ApplyReset 到期则清零并把重置日期推后一个周期，返回是否发生重置
func (p *Policy) ApplyReset(s State, now time.Time) (State, bool) {
	if !p.ResetDue(s, now) {
		return s, false
	}
	s.CreditsUsed = decimal.Zero
	s.ResetDate = now.Add(p.cycle(PlanFree))
	return s, true
}

// DeductResult 扣减结果
type DeductResult struct {
	Before     State
	After      State
	Downgraded bool
}

// ApplyDeduct 扣减额度
//
// 余额不足时返回 ErrInsufficientCredits，不会透支。
// pro 套餐扣减后剩余低于 downgradeFloor 时降级为 free，用量清零并开始新的周期。
func (p *Policy) ApplyDeduct(s State, cost decimal.Decimal, now time.Time) (DeductResult, error) {
	cost = Round1(cost)
	if !cost.IsPositive() {
		return DeductResult{}, ErrInvalidAmount
	}
	if p.Remaining(s).LessThan(cost) {
		return DeductResult{}, ErrInsufficientCredits
	}

	res := DeductResult{Before: s}
	next := s
	next.CreditsUsed = Round1(s.CreditsUsed.Add(cost))

	if next.Plan == PlanPro && p.Limit(PlanPro).Sub(next.CreditsUsed).LessThan(p.downgradeFloor) {
		next.Plan = PlanFree
		next.CreditsUsed = decimal.Zero
		next.ResetDate = now.Add(p.cycle(PlanFree))
		res.Downgraded = true
	}

	res.After = next
	return res, nil
}

// ApplyTopUp 充值：used = max(0, used - amount)，套餐置为 pro
func (p *Policy) ApplyTopUp(s State, amount decimal.Decimal) (State, error) {
	amount = Round1(amount)
	if !amount.IsPositive() {
		return s, ErrInvalidAmount
	}
	used := Round1(s.CreditsUsed.Sub(amount))
	if used.IsNegative() {
		used = decimal.Zero
	}
	s.CreditsUsed = used
	s.Plan = PlanPro
	return s, nil
}

// ChangePlan 变更套餐，按原套餐的使用比例折算新用量（向下取整）
// 套餐不变时保留原用量，只开始新的周期
func (p *Policy) ChangePlan(s State, plan Plan, now time.Time) (State, error) {
	if _, ok := p.rules[plan]; !ok {
		return s, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	used := Round1(s.CreditsUsed)
	if plan != s.Plan {
		used = decimal.Zero
		if oldLimit := p.Limit(s.Plan); oldLimit.IsPositive() {
			ratio := s.CreditsUsed.Div(oldLimit)
			used = p.Limit(plan).Mul(ratio).Floor()
		}
	}
	return State{
		Plan:        plan,
		CreditsUsed: Round1(used),
		ResetDate:   now.Add(p.cycle(plan)),
	}, nil
}

// Usage 额度使用情况
type Usage struct {
	Used           decimal.Decimal `json:"used"`
	Remaining      decimal.Decimal `json:"remaining"`
	Total          decimal.Decimal `json:"total"`
	Plan           Plan            `json:"plan"`
	ResetDate      time.Time       `json:"resetDate"`
	PercentageUsed decimal.Decimal `json:"percentageUsed"`
}

var hundred = decimal.NewFromInt(100)

// Usage 计算使用情况，百分比取整且不超过 100
func (p *Policy) Usage(s State) Usage {
	total := p.Limit(s.Plan)
	pct := decimal.Zero
	if total.IsPositive() {
		pct = s.CreditsUsed.Div(total).Mul(hundred).Round(0)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
	}
	return Usage{
		Used:           Round1(s.CreditsUsed),
		Remaining:      p.Remaining(s),
		Total:          total,
		Plan:           s.Plan,
		ResetDate:      s.ResetDate,
		PercentageUsed: pct,
	}
}

// InsufficientMessage 额度不足时给用户的提示
func InsufficientMessage(remaining decimal.Decimal, plan Plan) string {
	return fmt.Sprintf("Not enough credits. You have %s credits remaining on your %s plan.", remaining.StringFixed(1), plan)
}
