// Package assembler builds the answer to a classified user turn.
//
// Each intent has one handler. A handler reads the memory store and the
// policy index, renders a prompt from the catalog, calls the generator once
// and may append a memory record:
//
//   - information: stores a preference; regenerates the previous itinerary
//     when the last assistant turn was one.
//   - itinerary: recent preferences plus recent conversation, no persistence.
//   - travel_plan: confirmation capture, slot completeness check, policy
//     grounded plan, plan_request record.
//   - support_trip: selections and policy grounded support, modification record.
//
// Memory and policy failures degrade to empty context. Generator failures
// produce a fixed apology. Assemble never returns an error.
package assembler
