// Package stats aggregates a tenant's orders into the figures shown on the
// admin dashboard. Every function is pure: callers load the orders, pass
// the current time and the business time zone.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	FirstBusinessHour = 6
	LastBusinessHour  = 23
	RevenueDays       = 7
)

var (
	half    = decimal.RequireFromString("0.5")
	hundred = decimal.NewFromInt(100)
)

// Summary compares today with yesterday. Changes are whole percentages and
// zero when yesterday had nothing to compare with.
type Summary struct {
	Orders             int             `json:"orders"`
	OrdersChange       int64           `json:"orders_change"`
	Revenue            decimal.Decimal `json:"revenue"`
	RevenueChange      int64           `json:"revenue_change"`
	AvgOrder           decimal.Decimal `json:"avg_order"`
	AvgOrderChange     int64           `json:"avg_order_change"`
	NewCustomers       int             `json:"new_customers"`
	NewCustomersChange int64           `json:"new_customers_change"`
}

type DayRevenue struct {
	Date    string          `json:"date"`
	Weekday string          `json:"weekday"`
	Revenue decimal.Decimal `json:"revenue"`
}

type HourCount struct {
	Hour   int    `json:"hour"`
	Label  string `json:"label"`
	Orders int    `json:"orders"`
}

type ItemSales struct {
	Name     string          `json:"name"`
	NameAr   string          `json:"name_ar,omitempty"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type CustomerSummary struct {
	Name        string          `json:"name"`
	Phone       string          `json:"phone"`
	Email       string          `json:"email,omitempty"`
	Orders      int             `json:"orders"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	FirstOrder  time.Time       `json:"first_order_at"`
	LastOrderAt time.Time       `json:"last_order_at"`
}

// roundHalfUp rounds to an integer, halves towards positive infinity.
func roundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Add(half).Floor()
}

func percentChange(current, previous decimal.Decimal) int64 {
	if !previous.IsPositive() {
		return 0
	}
	return roundHalfUp(current.Sub(previous).Div(previous).Mul(hundred)).IntPart()
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func counted(o models.Order) bool {
	return o.Status != models.StatusCancelled
}

func customerKey(c models.Customer) string {
	return strings.Join(strings.Fields(c.Phone), "")
}

// Summarize computes today's KPIs. orders should cover at least yesterday
// and today; older orders only serve to tell new customers from returning
// ones. Cancelled orders are not sales and are ignored.
func Summarize(orders []models.Order, now time.Time, loc *time.Location) Summary {
	today := dayStart(now, loc)
	yesterday := today.AddDate(0, 0, -1)
	tomorrow := today.AddDate(0, 0, 1)

	var (
		todayCount, yesterdayCount     int
		todayRevenue, yesterdayRevenue = decimal.Zero, decimal.Zero
		firstSeen                      = map[string]time.Time{}
	)
	for _, o := range orders {
		if !counted(o) {
			continue
		}
		if key := customerKey(o.Customer); key != "" {
			if first, ok := firstSeen[key]; !ok || o.CreatedAt.Before(first) {
				firstSeen[key] = o.CreatedAt
			}
		}
		switch {
		case !o.CreatedAt.Before(today) && o.CreatedAt.Before(tomorrow):
			todayCount++
			todayRevenue = todayRevenue.Add(o.Total)
		case !o.CreatedAt.Before(yesterday) && o.CreatedAt.Before(today):
			yesterdayCount++
			yesterdayRevenue = yesterdayRevenue.Add(o.Total)
		}
	}

	newToday, newYesterday := 0, 0
	for _, first := range firstSeen {
		switch {
		case !first.Before(today) && first.Before(tomorrow):
			newToday++
		case !first.Before(yesterday) && first.Before(today):
			newYesterday++
		}
	}

	avg := func(revenue decimal.Decimal, n int) decimal.Decimal {
		if n == 0 {
			return decimal.Zero
		}
		return revenue.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	todayAvg := avg(todayRevenue, todayCount)
	yesterdayAvg := avg(yesterdayRevenue, yesterdayCount)

	return Summary{
		Orders:             todayCount,
		OrdersChange:       percentChange(decimal.NewFromInt(int64(todayCount)), decimal.NewFromInt(int64(yesterdayCount))),
		Revenue:            todayRevenue,
		RevenueChange:      percentChange(todayRevenue, yesterdayRevenue),
		AvgOrder:           todayAvg,
		AvgOrderChange:     percentChange(todayAvg, yesterdayAvg),
		NewCustomers:       newToday,
		NewCustomersChange: percentChange(decimal.NewFromInt(int64(newToday)), decimal.NewFromInt(int64(newYesterday))),
	}
}

// RevenueByDay returns paid revenue for the last days days, oldest first,
// today included. Each day's revenue is rounded to a whole amount.
func RevenueByDay(orders []models.Order, now time.Time, loc *time.Location, days int) []DayRevenue {
	if days <= 0 {
		days = RevenueDays
	}
	today := dayStart(now, loc)
	first := today.AddDate(0, 0, -(days - 1))

	out := make([]DayRevenue, days)
	index := make(map[string]int, days)
	for i := range out {
		d := first.AddDate(0, 0, i)
		out[i] = DayRevenue{Date: d.Format("2006-01-02"), Weekday: d.Weekday().String()[:3], Revenue: decimal.Zero}
		index[out[i].Date] = i
	}

	for _, o := range orders {
		if !o.IsPaid || !counted(o) {
			continue
		}
		if i, ok := index[o.CreatedAt.In(loc).Format("2006-01-02")]; ok {
			out[i].Revenue = out[i].Revenue.Add(o.Total)
		}
	}
	for i := range out {
		out[i].Revenue = roundHalfUp(out[i].Revenue)
	}
	return out
}

// Hourly counts today's orders per hour of the business day.
func Hourly(orders []models.Order, now time.Time, loc *time.Location) []HourCount {
	today := dayStart(now, loc)
	tomorrow := today.AddDate(0, 0, 1)

	out := make([]HourCount, 0, LastBusinessHour-FirstBusinessHour+1)
	for h := FirstBusinessHour; h <= LastBusinessHour; h++ {
		out = append(out, HourCount{Hour: h, Label: fmt.Sprintf("%d:00", h)})
	}
	for _, o := range orders {
		if o.CreatedAt.Before(today) || !o.CreatedAt.Before(tomorrow) {
			continue
		}
		h := o.CreatedAt.In(loc).Hour()
		if h >= FirstBusinessHour && h <= LastBusinessHour {
			out[h-FirstBusinessHour].Orders++
		}
	}
	return out
}

// TopItems ranks items by quantity sold, ties broken by name.
func TopItems(orders []models.Order, limit int) []ItemSales {
	byName := map[string]*ItemSales{}
	for _, o := range orders {
		if !counted(o) {
			continue
		}
		for _, item := range o.Items {
			name := strings.TrimSpace(item.Name)
			if name == "" {
				continue
			}
			s, ok := byName[name]
			if !ok {
				s = &ItemSales{Name: name, NameAr: item.NameAr, Revenue: decimal.Zero}
				byName[name] = s
			}
			s.Quantity += item.Quantity
			s.Revenue = s.Revenue.Add(item.LineTotal())
		}
	}

	out := make([]ItemSales, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Customers folds orders into one row per phone number, most recent first.
// The name and email of the latest order win.
func Customers(orders []models.Order) []CustomerSummary {
	byPhone := map[string]*CustomerSummary{}
	for _, o := range orders {
		key := customerKey(o.Customer)
		if key == "" || !counted(o) {
			continue
		}
		c, ok := byPhone[key]
		if !ok {
			c = &CustomerSummary{Phone: o.Customer.Phone, TotalSpent: decimal.Zero, FirstOrder: o.CreatedAt}
			byPhone[key] = c
		}
		c.Orders++
		c.TotalSpent = c.TotalSpent.Add(o.Total)
		if o.CreatedAt.Before(c.FirstOrder) {
			c.FirstOrder = o.CreatedAt
		}
		if !o.CreatedAt.Before(c.LastOrderAt) {
			c.LastOrderAt = o.CreatedAt
			c.Name = o.Customer.Name
			c.Email = o.Customer.Email
		}
	}

	out := make([]CustomerSummary, 0, len(byPhone))
	for _, c := range byPhone {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastOrderAt.Equal(out[j].LastOrderAt) {
			return out[i].LastOrderAt.After(out[j].LastOrderAt)
		}
		return out[i].Phone < out[j].Phone
	})
	return out
}
