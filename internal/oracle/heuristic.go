package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/Cypherspark/future-self/internal/core"
)

type rule struct {
	words []string
	days  int
}

// Later rules win, so the order mirrors how strongly a theme should push the date.
var rules = []rule{
	{words: []string{"important", "remember", "don't forget", "crucial", "critical"}, days: 7},
	{words: []string{"struggle", "difficult", "pain", "loss", "grief", "hard time"}, days: 90},
	{words: []string{"goal", "achieve", "accomplish", "succeed", "dream"}, days: 180},
	{words: []string{"learned", "realized", "understand", "wisdom", "insight"}, days: 365},
	{words: []string{"celebrate", "proud", "happy", "excited", "joy"}, days: 30},
}

// Heuristic is a local stand-in for the remote oracle. It suggests a delay
// from keywords in the content and always answers.
type Heuristic struct {
	Clock       core.Clock
	DefaultDays int
}

func NewHeuristic(clock core.Clock) *Heuristic {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Heuristic{Clock: clock, DefaultDays: 30}
}

func (h *Heuristic) Recommend(ctx context.Context, _ string, content string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	return h.Clock.Now().AddDate(0, 0, SuggestedDelayDays(content, h.DefaultDays)), true, nil
}

func SuggestedDelayDays(content string, def int) int {
	lower := strings.ToLower(content)
	days := def
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(lower, w) {
				days = r.days
				break
			}
		}
	}
	return days
}
