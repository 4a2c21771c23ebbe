// Package analytics computes read-only projections over messages and users.
// The reducers in this file are pure: they take the record set and now, and
// never touch the store.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/Cypherspark/future-self/internal/core"
)

const day = 24 * time.Hour

// Pricing feeds the MRR figures. Lifetime purchases are amortised over 12 months.
type Pricing struct {
	PremiumMonthly float64
	LifetimeOnce   float64
	MRRGoal        float64
}

func DefaultPricing() Pricing {
	return Pricing{PremiumMonthly: 9.99, LifetimeOnce: 99.00, MRRGoal: 10000}
}

func (p Pricing) MonthlyValue(t core.Tier) float64 {
	switch t {
	case core.TierPremium:
		return p.PremiumMonthly
	case core.TierLifetime:
		return p.LifetimeOnce / 12
	}
	return 0
}

type UserAnalytics struct {
	OwnerID                     string              `json:"owner_id"`
	Tier                        core.Tier           `json:"tier,omitempty"`
	AccountAgeDays              int                 `json:"account_age_days"`
	TotalMessages               int                 `json:"total_messages"`
	ByStatus                    map[core.Status]int `json:"by_status"`
	MessagesThisMonth           int                 `json:"messages_this_month"`
	AvgMessagesPerMonth         float64             `json:"avg_messages_per_month"`
	AvgDaysCreatedToDelivered   float64             `json:"avg_days_created_to_delivered"`
	AvgDaysScheduledToDelivered float64             `json:"avg_days_scheduled_to_delivered"`
	TopCategory                 string              `json:"top_category,omitempty"`
	ReadRate                    float64             `json:"read_rate"`
	EngagementScore             int                 `json:"engagement_score"`
}

// User reduces one owner's messages. u may be nil when the owner has no
// account record.
func User(ownerID string, u *core.User, msgs []core.Message, now time.Time) UserAnalytics {
	out := UserAnalytics{
		OwnerID:       ownerID,
		TotalMessages: len(msgs),
		ByStatus:      countByStatus(msgs),
	}

	first := now
	var toDelivered, lateness []float64
	categories := map[string]int{}
	for _, m := range msgs {
		if m.CreatedAt.Before(first) {
			first = m.CreatedAt
		}
		if sameMonth(m.CreatedAt, now) {
			out.MessagesThisMonth++
		}
		if m.DeliveredAt != nil {
			toDelivered = append(toDelivered, m.DeliveredAt.Sub(m.CreatedAt).Hours()/24)
			if m.ScheduledFor != nil {
				lateness = append(lateness, m.DeliveredAt.Sub(*m.ScheduledFor).Hours()/24)
			}
		}
		if m.Category != "" {
			categories[m.Category]++
		}
	}
	if u != nil {
		out.Tier = u.Tier
		first = u.CreatedAt
	}
	out.AccountAgeDays = max(0, int(now.Sub(first)/day))

	months := math.Max(1, float64(out.AccountAgeDays)/30)
	out.AvgMessagesPerMonth = round(float64(len(msgs))/months, 1)
	out.AvgDaysCreatedToDelivered = round(mean(toDelivered), 1)
	out.AvgDaysScheduledToDelivered = round(mean(lateness), 2)
	out.TopCategory = topKey(categories)
	out.ReadRate = round(readRate(msgs), 4)
	out.EngagementScore = EngagementScore(msgs, now)
	return out
}

// EngagementScore is 0..100: 70% read rate of delivered messages, 30% recency
// of the latest write or read, decaying linearly to zero over 30 days.
func EngagementScore(msgs []core.Message, now time.Time) int {
	if len(msgs) == 0 {
		return 0
	}
	var last time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
		if m.ReadAt != nil && m.ReadAt.After(last) {
			last = *m.ReadAt
		}
	}
	idle := now.Sub(last).Hours() / 24
	recency := math.Max(0, 1-math.Max(0, idle)/30)
	score := 100 * (0.7*readRate(msgs) + 0.3*recency)
	return int(math.Round(math.Min(100, score)))
}

type UserCounts struct {
	Total      int `json:"total"`
	Free       int `json:"free"`
	Premium    int `json:"premium"`
	Lifetime   int `json:"lifetime"`
	NewLast30d int `json:"new_last_30d"`
	Active30d  int `json:"active_30d"`
}

type MessageCounts struct {
	Total      int                 `json:"total"`
	ByStatus   map[core.Status]int `json:"by_status"`
	NewLast30d int                 `json:"new_last_30d"`
	AvgPerUser float64             `json:"avg_per_user"`
}

type Revenue struct {
	MRR             float64 `json:"mrr"`
	Goal            float64 `json:"goal"`
	ProgressRatio   float64 `json:"progress_ratio"`      // raw, may exceed 1
	ProgressPercent float64 `json:"progress_percentage"` // for display, capped at 100
	PayingCustomers int     `json:"paying_customers"`
	ConversionRate  float64 `json:"conversion_rate"`
}

type PlatformAnalytics struct {
	Users         UserCounts    `json:"users"`
	Messages      MessageCounts `json:"messages"`
	Revenue       Revenue       `json:"revenue"`
	AvgEngagement float64       `json:"avg_engagement"`
}

func Platform(users []core.User, msgs []core.Message, now time.Time, p Pricing) PlatformAnalytics {
	var out PlatformAnalytics
	since := now.Add(-30 * day)

	out.Users.Total = len(users)
	for _, u := range users {
		switch u.Tier {
		case core.TierPremium:
			out.Users.Premium++
		case core.TierLifetime:
			out.Users.Lifetime++
		default:
			out.Users.Free++
		}
		if u.CreatedAt.After(since) {
			out.Users.NewLast30d++
		}
	}

	byOwner := groupByOwner(msgs)
	out.Messages.Total = len(msgs)
	out.Messages.ByStatus = countByStatus(msgs)
	for _, m := range msgs {
		if m.CreatedAt.After(since) {
			out.Messages.NewLast30d++
		}
	}
	out.Users.Active30d = activeOwners(msgs, since)
	if out.Users.Total > 0 {
		out.Messages.AvgPerUser = round(float64(out.Messages.Total)/float64(out.Users.Total), 1)
	}

	out.Revenue = revenue(users, p)

	scores := make([]float64, 0, len(byOwner))
	for _, owned := range byOwner {
		scores = append(scores, float64(EngagementScore(owned, now)))
	}
	out.AvgEngagement = round(mean(scores), 1)
	return out
}

func revenue(users []core.User, p Pricing) Revenue {
	r := Revenue{Goal: p.MRRGoal}
	for _, u := range users {
		v := p.MonthlyValue(u.Tier)
		if v > 0 {
			r.MRR += v
			r.PayingCustomers++
		}
	}
	r.MRR = round(r.MRR, 2)
	if p.MRRGoal > 0 {
		r.ProgressRatio = round(r.MRR/p.MRRGoal, 4)
		r.ProgressPercent = math.Min(100, round(r.MRR/p.MRRGoal*100, 2))
	}
	if len(users) > 0 {
		r.ConversionRate = round(float64(r.PayingCustomers)/float64(len(users)), 4)
	}
	return r
}

type GrowthPoint struct {
	Date         string  `json:"date"`
	UserCount    int     `json:"user_count"`
	MessageCount int     `json:"message_count"`
	MRR          float64 `json:"mrr"`
}

// Growth returns one point per UTC day for the trailing window ending today,
// oldest first. Days without activity are zero-valued points.
func Growth(users []core.User, msgs []core.Message, now time.Time, days int, p Pricing) []GrowthPoint {
	start, points, index := dayWindow(now, days)
	out := make([]GrowthPoint, points)
	for i := range out {
		out[i].Date = start.Add(time.Duration(i) * day).Format(time.DateOnly)
	}
	for _, u := range users {
		if i, ok := index(u.CreatedAt); ok {
			out[i].UserCount++
			out[i].MRR += p.MonthlyValue(u.Tier)
		}
	}
	for _, m := range msgs {
		if i, ok := index(m.CreatedAt); ok {
			out[i].MessageCount++
		}
	}
	for i := range out {
		out[i].MRR = round(out[i].MRR, 2)
	}
	return out
}

type DeliveryStats struct {
	TotalScheduled     int     `json:"total_scheduled"`
	ReadyForDelivery   int     `json:"ready_for_delivery"`
	DeliveredToday     int     `json:"delivered_today"`
	DeliveredThisWeek  int     `json:"delivered_this_week"`
	DeliveredThisMonth int     `json:"delivered_this_month"`
	DueNext24h         int     `json:"due_next_24h"`
	DueNext7d          int     `json:"due_next_7d"`
	Overdue            int     `json:"overdue"`
	Failed             int     `json:"failed"`
	DeliveryRate       float64 `json:"delivery_rate"`
	ReadRate           float64 `json:"read_rate"`
}

// Deliveries: "today" is the current UTC calendar day, week and month are the
// trailing 7 and 30 days.
func Deliveries(msgs []core.Message, now time.Time) DeliveryStats {
	var out DeliveryStats
	today := now.UTC().Truncate(day)
	var delivered, settled int
	for _, m := range msgs {
		switch m.Status {
		case core.StatusScheduled:
			out.TotalScheduled++
			if m.ScheduledFor != nil && m.ScheduledFor.After(now) {
				if !m.ScheduledFor.After(now.Add(day)) {
					out.DueNext24h++
				}
				if !m.ScheduledFor.After(now.Add(7 * day)) {
					out.DueNext7d++
				}
			}
		case core.StatusDue:
			out.ReadyForDelivery++
		case core.StatusOverdue:
			out.ReadyForDelivery++
			out.Overdue++
		case core.StatusFailed:
			out.Failed++
		}
		if m.Status != core.StatusDraft {
			settled++
		}
		if m.DeliveredAt == nil {
			continue
		}
		delivered++
		at := *m.DeliveredAt
		if at.After(now) {
			continue
		}
		if !at.Before(today) {
			out.DeliveredToday++
		}
		if at.After(now.Add(-7 * day)) {
			out.DeliveredThisWeek++
		}
		if at.After(now.Add(-30 * day)) {
			out.DeliveredThisMonth++
		}
	}
	if settled > 0 {
		out.DeliveryRate = round(float64(delivered)/float64(settled), 4)
	}
	out.ReadRate = round(readRate(msgs), 4)
	return out
}

type Performance struct {
	TotalDelivered int     `json:"total_delivered"`
	TotalRead      int     `json:"total_read"`
	ReadRate       float64 `json:"read_rate"`
	AvgReadHours   float64 `json:"avg_read_hours"`
	AvgWaitDays    float64 `json:"avg_wait_days"`
}

func Perf(msgs []core.Message) Performance {
	var out Performance
	var readHours, waitDays []float64
	for _, m := range msgs {
		if m.DeliveredAt == nil {
			continue
		}
		out.TotalDelivered++
		waitDays = append(waitDays, m.DeliveredAt.Sub(m.CreatedAt).Hours()/24)
		if m.ReadAt != nil {
			out.TotalRead++
			readHours = append(readHours, m.ReadAt.Sub(*m.DeliveredAt).Hours())
		}
	}
	if out.TotalDelivered > 0 {
		out.ReadRate = round(float64(out.TotalRead)/float64(out.TotalDelivered), 4)
	}
	out.AvgReadHours = round(mean(readHours), 1)
	out.AvgWaitDays = round(mean(waitDays), 1)
	return out
}

type UpcomingItem struct {
	MessageID    string        `json:"message_id"`
	OwnerID      string        `json:"owner_id"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	DaysUntil    int           `json:"days_until"`
	Strategy     core.Strategy `json:"timing_strategy"`
	Category     string        `json:"category,omitempty"`
	Tags         []string      `json:"tags"`
}

// Upcoming lists scheduled messages due in (now, now+days], soonest first.
func Upcoming(msgs []core.Message, now time.Time, days int) []UpcomingItem {
	end := now.Add(time.Duration(days) * day)
	out := []UpcomingItem{}
	for _, m := range msgs {
		if m.Status != core.StatusScheduled || m.ScheduledFor == nil {
			continue
		}
		at := *m.ScheduledFor
		if !at.After(now) || at.After(end) {
			continue
		}
		out = append(out, UpcomingItem{
			MessageID:    m.ID,
			OwnerID:      m.OwnerID,
			ScheduledFor: at,
			DaysUntil:    int(at.Sub(now) / day),
			Strategy:     m.Strategy,
			Category:     m.Category,
			Tags:         m.Tags,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}

type OverdueItem struct {
	MessageID    string      `json:"message_id"`
	OwnerID      string      `json:"owner_id"`
	Status       core.Status `json:"status"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	DaysOverdue  int         `json:"days_overdue"`
	Attempts     int         `json:"delivery_attempts"`
	LastError    string      `json:"last_error,omitempty"`
}

// Overdue lists overdue and failed messages, oldest due time first.
func Overdue(msgs []core.Message, now time.Time) []OverdueItem {
	out := []OverdueItem{}
	for _, m := range msgs {
		if m.Status != core.StatusOverdue && m.Status != core.StatusFailed {
			continue
		}
		if m.ScheduledFor == nil {
			continue
		}
		out = append(out, OverdueItem{
			MessageID:    m.ID,
			OwnerID:      m.OwnerID,
			Status:       m.Status,
			ScheduledFor: *m.ScheduledFor,
			DaysOverdue:  max(0, int(now.Sub(*m.ScheduledFor)/day)),
			Attempts:     m.Attempts,
			LastError:    m.LastError,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}

type TimelinePoint struct {
	Date      string `json:"date"`
	Delivered int    `json:"delivered"`
	Read      int    `json:"read"`
}

func Timeline(msgs []core.Message, now time.Time, days int) []TimelinePoint {
	start, points, index := dayWindow(now, days)
	out := make([]TimelinePoint, points)
	for i := range out {
		out[i].Date = start.Add(time.Duration(i) * day).Format(time.DateOnly)
	}
	for _, m := range msgs {
		if m.DeliveredAt != nil {
			if i, ok := index(*m.DeliveredAt); ok {
				out[i].Delivered++
			}
		}
		if m.ReadAt != nil {
			if i, ok := index(*m.ReadAt); ok {
				out[i].Read++
			}
		}
	}
	return out
}

type MessageTimelineItem struct {
	ID           string        `json:"id"`
	Strategy     core.Strategy `json:"timing_strategy"`
	Status       core.Status   `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ScheduledFor *time.Time    `json:"scheduled_for"`
	DeliveredAt  *time.Time    `json:"delivered_at"`
	ReadAt       *time.Time    `json:"read_at"`
	Category     string        `json:"category,omitempty"`
	Tags         []string      `json:"tags"`
}

// MessageTimeline lists an owner's messages oldest first. Content is left out.
func MessageTimeline(msgs []core.Message) []MessageTimelineItem {
	out := make([]MessageTimelineItem, 0, len(msgs))
	for _, m := range msgs {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, MessageTimelineItem{
			ID:           m.ID,
			Strategy:     m.Strategy,
			Status:       m.Status,
			CreatedAt:    m.CreatedAt,
			ScheduledFor: m.ScheduledFor,
			DeliveredAt:  m.DeliveredAt,
			ReadAt:       m.ReadAt,
			Category:     m.Category,
			Tags:         tags,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type NextDelivery struct {
	MessageID    string    `json:"message_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	DaysUntil    int       `json:"days_until"`
	Category     string    `json:"category,omitempty"`
}

type UserDeliveryStats struct {
	TotalMessages int           `json:"total_messages"`
	Pending       int           `json:"pending"`
	Scheduled     int           `json:"scheduled"`
	Delivered     int           `json:"delivered"`
	Read          int           `json:"read"`
	Unread        int           `json:"unread"`
	Failed        int           `json:"failed"`
	NextDelivery  *NextDelivery `json:"next_delivery"`
	ReadRate      float64       `json:"read_rate"`
}

// UserDeliveries summarises one owner's messages. Delivered counts every
// message that reached its owner, read or not.
func UserDeliveries(msgs []core.Message, now time.Time) UserDeliveryStats {
	out := UserDeliveryStats{TotalMessages: len(msgs)}
	for _, m := range msgs {
		switch m.Status {
		case core.StatusDraft:
			out.Pending++
		case core.StatusScheduled, core.StatusDue, core.StatusOverdue, core.StatusDelivering:
			out.Scheduled++
		case core.StatusDelivered:
			out.Delivered++
			out.Unread++
		case core.StatusRead:
			out.Delivered++
			out.Read++
		case core.StatusFailed:
			out.Failed++
		}
		if m.Status == core.StatusScheduled && m.ScheduledFor != nil && m.ScheduledFor.After(now) {
			if out.NextDelivery == nil || m.ScheduledFor.Before(out.NextDelivery.ScheduledFor) {
				out.NextDelivery = &NextDelivery{
					MessageID:    m.ID,
					ScheduledFor: *m.ScheduledFor,
					DaysUntil:    int(m.ScheduledFor.Sub(now) / day),
					Category:     m.Category,
				}
			}
		}
	}
	out.ReadRate = round(readRate(msgs), 4)
	return out
}

type Retention struct {
	Active7d     int     `json:"active_7d"`
	Active30d    int     `json:"active_30d"`
	TotalUsers   int     `json:"total_users"`
	Retention7d  float64 `json:"retention_7d"`
	Retention30d float64 `json:"retention_30d"`
}

// RetentionOf counts owners who wrote a message in the trailing windows.
func RetentionOf(users []core.User, msgs []core.Message, now time.Time) Retention {
	out := Retention{
		Active7d:   activeOwners(msgs, now.Add(-7*day)),
		Active30d:  activeOwners(msgs, now.Add(-30*day)),
		TotalUsers: len(users),
	}
	if out.TotalUsers > 0 {
		out.Retention7d = round(float64(out.Active7d)/float64(out.TotalUsers), 4)
		out.Retention30d = round(float64(out.Active30d)/float64(out.TotalUsers), 4)
	}
	return out
}

// readRate is read / delivered over messages that reached their owner; 0
// when nothing was delivered.
func readRate(msgs []core.Message) float64 {
	var delivered, read int
	for _, m := range msgs {
		switch m.Status {
		case core.StatusDelivered:
			delivered++
		case core.StatusRead:
			delivered++
			read++
		}
	}
	if delivered == 0 {
		return 0
	}
	return float64(read) / float64(delivered)
}

func countByStatus(msgs []core.Message) map[core.Status]int {
	out := make(map[core.Status]int, len(core.AllStatuses))
	for _, s := range core.AllStatuses {
		out[s] = 0
	}
	for _, m := range msgs {
		out[m.Status]++
	}
	return out
}

func groupByOwner(msgs []core.Message) map[string][]core.Message {
	out := map[string][]core.Message{}
	for _, m := range msgs {
		out[m.OwnerID] = append(out[m.OwnerID], m)
	}
	return out
}

func activeOwners(msgs []core.Message, since time.Time) int {
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if m.CreatedAt.After(since) {
			seen[m.OwnerID] = struct{}{}
		}
	}
	return len(seen)
}

// dayWindow returns the first UTC day of a window of n days ending today and
// an index function mapping a timestamp to its slot.
func dayWindow(now time.Time, n int) (time.Time, int, func(time.Time) (int, bool)) {
	if n <= 0 {
		n = 30
	}
	start := now.UTC().Truncate(day).Add(-time.Duration(n-1) * day)
	return start, n, func(t time.Time) (int, bool) {
		t = t.UTC()
		if t.Before(start) {
			return 0, false
		}
		i := int(t.Sub(start) / day)
		return i, i < n
	}
}

func sameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// topKey returns the most frequent key, ties broken alphabetically.
func topKey(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return m
}

func round(x float64, places int) float64 {
	r, err := stats.Round(x, places)
	if err != nil {
		return x
	}
	return r
}
