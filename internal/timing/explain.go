package timing

import (
	"fmt"
	"time"

	"github.com/Cypherspark/future-self/internal/core"
)

// Explain renders a short, user-facing sentence about when a message arrives.
func Explain(m core.Message, now time.Time) string {
	if m.ScheduledFor == nil {
		switch m.Strategy {
		case core.StrategyMilestone:
			return fmt.Sprintf("This message will arrive when your %q milestone happens.", m.MilestoneKey)
		case core.StrategyAIOptimal:
			return "We're still working out the best moment to deliver this message."
		}
		return "Delivery time not decided yet."
	}

	days := int(m.ScheduledFor.Sub(now).Hours() / 24)
	switch m.Strategy {
	case core.StrategyRandom:
		return fmt.Sprintf("Randomly scheduled for delivery in %d days - a surprise from your past self!", days)
	case core.StrategyAIOptimal:
		return fmt.Sprintf("Our timing assistant picked a moment %d days from now.", days)
	case core.StrategyMilestone:
		return fmt.Sprintf("This message will arrive at your milestone in %d days.", days)
	}
	return fmt.Sprintf("Scheduled for delivery in %d days.", days)
}
