package assembler

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/prompts"
	"github.com/harun/tripmate/pkg/router"
)

// confirmationPhrases mark a reply accepting the previous itinerary.
var confirmationPhrases = []string{"yes", "sure", "okay", "go ahead", "proceed", "i want this", "sounds good"}

// information stores the input as a preference and, when the previous
// assistant turn was an itinerary, regenerates it.
func (a *Assembler) information(ctx context.Context, c Context) *Result {
	res := &Result{Outcome: OutcomeOK, Slots: c.Slots, PendingSelection: c.PendingSelection}
	if id := a.remember(ctx, c.UserID, c.Input, memory.KindPreference); id != "" {
		res.Stored = append(res.Stored, id)
	}

	if !isItinerary(c.PreviousTurn) {
		res.Text = fmt.Sprintf("Thank you for sharing! I've noted that: %s\n\n"+
			"This information will help me provide better recommendations for your future travels. "+
			"Feel free to share more preferences or ask me for travel suggestions!", c.Input)
		return res
	}

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().Msg("Previous turn was an itinerary, regenerating")
	preferences := a.recall(ctx, c.UserID, regeneratePreferences, memory.KindPreference)
	text, err := a.generate(ctx, config.IntentInformation, prompts.InformationUpdate, struct {
		Input             string
		PreviousItinerary string
		Preferences       []string
	}{
		Input:             c.Input,
		PreviousItinerary: c.PreviousTurn.Content,
		Preferences:       preferences,
	})
	if err != nil {
		failed := a.apology(ctx, c, err)
		failed.Stored = res.Stored
		return failed
	}

	res.Kind = router.Itinerary
	res.Text = fmt.Sprintf("Great! I've noted your preference: %s\n\n"+
		"Here's your updated itinerary incorporating this preference:\n\n%s", c.Input, text)
	return res
}

// itinerary answers from recent preferences and conversation. Nothing is
// stored until the user confirms.
func (a *Assembler) itinerary(ctx context.Context, c Context) *Result {
	preferences := a.recall(ctx, c.UserID, itineraryPreferences, memory.KindPreference)
	text, err := a.generate(ctx, config.IntentItinerary, prompts.Itinerary, struct {
		Input       string
		Preferences []string
		History     []router.Turn
	}{
		Input:       c.Input,
		Preferences: preferences,
		History:     recentTurns(c.History, itineraryTurns),
	})
	if err != nil {
		return a.apology(ctx, c, err)
	}
	return &Result{Text: text, Outcome: OutcomeOK, Slots: c.Slots, PendingSelection: c.PendingSelection}
}

// travelPlan captures confirmations, checks slots and generates a policy
// grounded plan.
func (a *Assembler) travelPlan(ctx context.Context, c Context) *Result {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	pending := c.PendingSelection
	if isItinerary(c.PreviousTurn) && isConfirmation(c.Input) {
		pending = "Selected itinerary: " + firstRunes(c.PreviousTurn.Content, selectionRunes)
		logger.Debug().Msg("Itinerary confirmed")
	}

	slots := c.Slots
	if len(slots.Missing()) > 0 {
		extracted, err := a.slots.Extract(ctx, c.Input, recentTurns(c.History, itineraryTurns), slots)
		if err != nil {
			logger.Warn().Err(err).Msg("Slot extraction failed, using known slots")
		} else {
			slots = slots.Fill(extracted)
		}
	}

	if missing := slots.Missing(); len(missing) > 0 {
		return &Result{
			Text: fmt.Sprintf("To create the best travel plan for you, I need a few more details (missing: %s). "+
				"Please provide them so I can put the plan together.", strings.Join(missing, ", ")),
			Outcome:          OutcomeIncomplete,
			Slots:            slots,
			PendingSelection: pending,
		}
	}

	res := &Result{Outcome: OutcomeOK, Slots: slots}
	if pending != "" {
		if id := a.remember(ctx, c.UserID, pending, memory.KindSelection); id != "" {
			res.Stored = append(res.Stored, id)
		} else {
			res.PendingSelection = pending
		}
	}

	policyText := a.policyContext(ctx, "travel budget cab flight policy "+c.Input)
	selections := a.recall(ctx, c.UserID, selectionLimit, memory.KindSelection, memory.KindPlanRequest)

	text, err := a.generate(ctx, config.IntentTravelPlan, prompts.TravelPlan, struct {
		Input         string
		PolicyContext string
		Slots         []SlotValue
		Selections    []string
		History       []router.Turn
	}{
		Input:         c.Input,
		PolicyContext: policyText,
		Slots:         slots.values(),
		Selections:    selections,
		History:       recentTurns(c.History, itineraryTurns),
	})
	if err != nil {
		c.Slots = slots
		c.PendingSelection = res.PendingSelection
		failed := a.apology(ctx, c, err)
		failed.Stored = res.Stored
		return failed
	}

	if id := a.remember(ctx, c.UserID, "Requested travel plan: "+c.Input, memory.KindPlanRequest); id != "" {
		res.Stored = append(res.Stored, id)
	}
	res.Text = text
	return res
}

// supportTrip answers in-trip questions grounded on selections and policy.
func (a *Assembler) supportTrip(ctx context.Context, c Context) *Result {
	selections := a.recall(ctx, c.UserID, selectionLimit, memory.KindSelection, memory.KindPlanRequest)
	policyText := a.policyContext(ctx, c.Input)

	text, err := a.generate(ctx, config.IntentSupportTrip, prompts.SupportTrip, struct {
		Input         string
		PolicyContext string
		Selections    []string
	}{
		Input:         c.Input,
		PolicyContext: policyText,
		Selections:    selections,
	})
	if err != nil {
		return a.apology(ctx, c, err)
	}

	res := &Result{Text: text, Outcome: OutcomeOK, Slots: c.Slots, PendingSelection: c.PendingSelection}
	if id := a.remember(ctx, c.UserID, "Support query: "+c.Input, memory.KindModification); id != "" {
		res.Stored = append(res.Stored, id)
	}
	return res
}

// isItinerary reports whether turn carried an itinerary. Failed turns never
// do. The recorded kind wins; without one, day-structured text counts.
func isItinerary(turn *router.Turn) bool {
	if turn == nil || turn.Failed {
		return false
	}
	if turn.Kind != "" {
		return turn.Kind == router.Itinerary
	}
	lower := strings.ToLower(turn.Content)
	return strings.Contains(lower, "day 1") || strings.Contains(lower, "day 2")
}

// isConfirmation matches confirmation phrases on word boundaries.
func isConfirmation(input string) bool {
	words := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	padded := " " + strings.Join(words, " ") + " "
	for _, phrase := range confirmationPhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
