package reply

import (
	"fmt"
	"sort"
	"strings"
)

const SystemPrompt = `You are CalmCompanion, a gentle voice assistant for people living with Alzheimer's.
Goals: (1) reduce agitation, (2) orient kindly, (3) offer one small, practical step,
(4) avoid medical advice or diagnosis. Style: short, calm, warm, no jargon, no judgments.
If safety concerns arise, encourage contacting a trusted caregiver or professional.
Keep replies under two sentences when possible.`

const maxPromptTips = 3

// BuildPrompt renders the user message sent alongside SystemPrompt.
func BuildPrompt(req Request) string {
	var tips strings.Builder
	for i, t := range req.Tips {
		if i == maxPromptTips {
			break
		}
		fmt.Fprintf(&tips, "- %s: %s\n", t.Title, t.Snippet)
	}
	if tips.Len() == 0 {
		tips.WriteString("- (no tips available)\n")
	}

	active := make([]string, 0, len(req.Triggers))
	for name, on := range req.Triggers {
		if on {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	triggers := strings.Join(active, ", ")
	if triggers == "" {
		triggers = "none detected"
	}

	return fmt.Sprintf(`PATIENT SAID: %s
RISK: %.2f
ACTIVE TRIGGERS: %s
CARE TIPS (summaries):
%s
Compose a brief, calming reply to the patient. Offer exactly one gentle option.`,
		strings.TrimSpace(req.Text), req.Risk, triggers, tips.String())
}
