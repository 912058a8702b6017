// Package summary derives financial statistics from the merged row set. The
// computation is a pure function of the rows and is safe to rerun at any
// time.
package summary

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
)

const dateLayout = "01/02/2006"

// lendingMonths and lendingFactor feed the monthly-average heuristic used by
// downstream underwriting: (total / 6 months) x 0.30.
var (
	lendingMonths = decimal.NewFromInt(6)
	lendingFactor = decimal.RequireFromString("0.30")
)

// Summary is the aggregate over all parsed rows of a job.
type Summary struct {
	TransactionCount          int                 `json:"transaction_count"`
	DebitCount                int                 `json:"debit_count"`
	CreditCount               int                 `json:"credit_count"`
	TotalDebit                decimal.Decimal     `json:"total_debit"`
	TotalCredit               decimal.Decimal     `json:"total_credit"`
	EndingBalance             decimal.NullDecimal `json:"ending_balance"`
	AverageDailyBalance       decimal.NullDecimal `json:"average_daily_balance"`
	TotalDebitMonthlyAverage  decimal.Decimal     `json:"total_debit_monthly_average"`
	TotalCreditMonthlyAverage decimal.Decimal     `json:"total_credit_monthly_average"`
	Months                    []Monthly           `json:"months"`
	GeneratedAt               time.Time           `json:"generated_at"`
}

// Monthly is one calendar-month bucket.
type Monthly struct {
	Month               string              `json:"month"` // YYYY-MM
	TotalDebit          decimal.Decimal     `json:"total_debit"`
	TotalCredit         decimal.Decimal     `json:"total_credit"`
	DebitCount          int                 `json:"debit_count"`
	CreditCount         int                 `json:"credit_count"`
	DebitAverage        decimal.Decimal     `json:"debit_average"`
	CreditAverage       decimal.Decimal     `json:"credit_average"`
	AverageDailyBalance decimal.NullDecimal `json:"average_daily_balance"`
}

// Compute aggregates rows given in document order (page key, then row id).
func Compute(rows []parser.Row) Summary {
	s := Summary{GeneratedAt: time.Now().UTC()}

	type monthAcc struct {
		debit, credit           decimal.Decimal
		debitCount, creditCount int
		balances                map[string]decimal.Decimal // day -> latest balance
	}
	months := make(map[string]*monthAcc)
	balanceByDay := make(map[string]decimal.Decimal)

	for _, row := range rows {
		// The ending balance tracks the last balance-bearing row even when
		// its date failed to normalize; the day buckets still need a date.
		if row.Balance.Valid {
			s.EndingBalance = row.Balance
		}

		day, err := time.Parse(dateLayout, row.Date)
		if err != nil {
			continue
		}
		dayKey := day.Format("2006-01-02")
		monthKey := day.Format("2006-01")

		if row.Balance.Valid {
			balanceByDay[dayKey] = row.Balance.Decimal
		}

		acc := months[monthKey]
		if acc == nil {
			acc = &monthAcc{balances: make(map[string]decimal.Decimal)}
			months[monthKey] = acc
		}
		if row.Balance.Valid {
			acc.balances[dayKey] = row.Balance.Decimal
		}

		if row.RowType != parser.RowTransaction {
			continue
		}
		s.TransactionCount++
		if row.Debit.Valid {
			amt := row.Debit.Decimal.Abs()
			s.TotalDebit = s.TotalDebit.Add(amt)
			s.DebitCount++
			acc.debit = acc.debit.Add(amt)
			acc.debitCount++
		}
		if row.Credit.Valid {
			amt := row.Credit.Decimal.Abs()
			s.TotalCredit = s.TotalCredit.Add(amt)
			s.CreditCount++
			acc.credit = acc.credit.Add(amt)
			acc.creditCount++
		}
	}

	s.AverageDailyBalance = dayWeightedAverage(balanceByDay)
	s.TotalDebitMonthlyAverage = s.TotalDebit.Div(lendingMonths).Mul(lendingFactor).Round(2)
	s.TotalCreditMonthlyAverage = s.TotalCredit.Div(lendingMonths).Mul(lendingFactor).Round(2)

	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		acc := months[k]
		m := Monthly{
			Month:               k,
			TotalDebit:          acc.debit,
			TotalCredit:         acc.credit,
			DebitCount:          acc.debitCount,
			CreditCount:         acc.creditCount,
			AverageDailyBalance: dayWeightedAverage(acc.balances),
		}
		if acc.debitCount > 0 {
			m.DebitAverage = acc.debit.Div(decimal.NewFromInt(int64(acc.debitCount))).Round(2)
		}
		if acc.creditCount > 0 {
			m.CreditAverage = acc.credit.Div(decimal.NewFromInt(int64(acc.creditCount))).Round(2)
		}
		s.Months = append(s.Months, m)
	}
	return s
}

// dayWeightedAverage weights each observed day's latest balance by the gap in
// days until the next observed day; the final day weighs 1.
func dayWeightedAverage(balances map[string]decimal.Decimal) decimal.NullDecimal {
	if len(balances) == 0 {
		return decimal.NullDecimal{}
	}

	days := make([]string, 0, len(balances))
	for d := range balances {
		days = append(days, d)
	}
	sort.Strings(days)

	var weighted, totalWeight decimal.Decimal
	for i, dayKey := range days {
		weight := decimal.NewFromInt(1)
		if i < len(days)-1 {
			cur, err1 := time.Parse("2006-01-02", dayKey)
			next, err2 := time.Parse("2006-01-02", days[i+1])
			if err1 == nil && err2 == nil {
				gap := int64(next.Sub(cur).Hours() / 24)
				if gap > 0 {
					weight = decimal.NewFromInt(gap)
				}
			}
		}
		weighted = weighted.Add(balances[dayKey].Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}
	if totalWeight.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: weighted.Div(totalWeight).Round(2), Valid: true}
}
