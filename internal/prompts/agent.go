package prompts

import "fmt"

// EmptyResponseFallback is the user-facing message returned when the
// model produces neither text nor a tool call.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// DecisionFailure is the reply when the decision step itself fails
// (model unreachable, malformed answer).
const DecisionFailure = "Sorry, I ran into a problem working out what to do. Please try again in a moment."

// HelpGreeting is the reply to a mention with no text.
const HelpGreeting = "Hi! I can help you create, update, publish, search or delete newsletter articles. What would you like to do?"

// Acknowledgement is posted as soon as a request is received.
func Acknowledgement(user string) string {
	return fmt.Sprintf("👋 Hi %s, I'm looking into that...", user)
}

// ConfirmationToolDescription describes the ask_confirmation meta
// operation offered to the model.
const ConfirmationToolDescription = "Ask a human to approve a change before it happens. ALWAYS use this instead of calling a content-changing operation directly. tool_name is the operation to run, tool_args its arguments, summary a one-line description shown on the approval prompt."
