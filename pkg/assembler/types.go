package assembler

import (
	"github.com/harun/tripmate/pkg/router"
)

// Fixed response texts.
const (
	Apology = "I'm sorry, I couldn't complete that request right now. Please try again in a moment."

	PolicyUnavailableNote = "Note: Policy compliance system is currently unavailable. Using general best practices."
	NoPolicyFound         = "No relevant policy information found."
)

// Outcome describes how a turn ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeApology    Outcome = "apology"
)

// Context is everything a handler may read about the current turn.
type Context struct {
	UserID string
	Input  string
	// History is recent conversation, oldest first.
	History []router.Turn
	// PreviousTurn is the last assistant turn, nil on a fresh conversation.
	PreviousTurn *router.Turn
	// Slots are the trip details known before this turn.
	Slots TripSlots
	// PendingSelection is a confirmed itinerary not yet stored.
	PendingSelection string
}

// Result is the outcome of one turn.
type Result struct {
	Text    string
	Intent  router.Intent
	Outcome Outcome
	// Kind is the kind of content produced. An information turn that
	// regenerated an itinerary has Kind itinerary; an apology has none.
	Kind router.Intent
	// Slots and PendingSelection are the state to carry into the next turn.
	Slots            TripSlots
	PendingSelection string
	// Stored holds the ids of memory records appended during the turn.
	Stored []string
}
