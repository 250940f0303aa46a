package slackbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/nugget/newsdesk/internal/confirm"
)

// approvalHint is the context line under the approval buttons.
const approvalHint = "Review the preview, then approve or deny. Only one request per thread is kept; a newer one replaces this."

// Prompter posts approval prompts as Block Kit messages in the thread
// the request came from.
type Prompter struct {
	api API
}

// NewPrompter creates a prompter that posts through api.
func NewPrompter(api API) *Prompter {
	return &Prompter{api: api}
}

// PostApproval implements confirm.Prompter.
func (p *Prompter) PostApproval(ctx context.Context, pr confirm.Prompt) error {
	channel, thread := pr.Target.Channel, pr.Target.Thread
	if channel == "" {
		var ok bool
		channel, thread, ok = SplitConversationID(pr.ConversationID)
		if !ok {
			return errors.New("slack: approval prompt has no channel")
		}
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText("Approval needed: "+pr.Summary, false),
		slack.MsgOptionBlocks(ApprovalBlocks(pr)...),
	}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	if _, _, err := p.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("post approval prompt: %w", err)
	}
	return nil
}

// ApprovalBlocks renders the approval prompt. Approve and deny carry
// the conversation id as their value so the click routes back to the
// conversation that owns the pending action.
func ApprovalBlocks(pr confirm.Prompt) []slack.Block {
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "🛑 *Approval Needed*\n"+pr.Summary, false, false),
		nil, nil,
	)

	approve := slack.NewButtonBlockElement(pr.ApproveActionID, pr.ConversationID,
		slack.NewTextBlockObject(slack.PlainTextType, "✅ Approve", true, false))
	approve.Style = slack.StylePrimary

	preview := slack.NewButtonBlockElement(pr.PreviewActionID, pr.ConversationID,
		slack.NewTextBlockObject(slack.PlainTextType, "👀 View Preview", true, false))
	preview.URL = pr.PreviewURL

	deny := slack.NewButtonBlockElement(pr.DenyActionID, pr.ConversationID,
		slack.NewTextBlockObject(slack.PlainTextType, "❌ Deny", true, false))
	deny.Style = slack.StyleDanger

	actions := slack.NewActionBlock("approval_actions", approve, preview, deny)
	hint := slack.NewContextBlock("approval_hint",
		slack.NewTextBlockObject(slack.MarkdownType, approvalHint, false, false))

	return []slack.Block{section, actions, hint}
}
