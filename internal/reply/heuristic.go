package reply

type rule struct {
	triggers []string
	text     string
}

// Rules are checked in order; the first rule with an active trigger wins.
var heuristicRules = []rule{
	{[]string{"pain"}, "I'm sorry you're uncomfortable. Would a short sit and some water help right now?"},
	{[]string{"confusion"}, "You're safe. We are at home together. Would you like me to remind you what's next?"},
	{[]string{"overwhelm", "environment"}, "Let's slow down. We can move to a quieter, softer space. Would that help?"},
	{[]string{"loneliness", "anxiety"}, "I'm here with you. Would you like to listen to a favorite song or call someone?"},
	{[]string{"routine"}, "Let's try one small step at a time. Would you like an easy first step?"},
	{[]string{"physiology"}, "Let's check comfort. Would a sip of water or a bathroom break help?"},
	{[]string{"door", "exit-seeking"}, "It sounds like you want to head out. Shall we sit together for a moment first and have a drink?"},
	{[]string{"hunger"}, "Are you feeling a bit hungry? Would you like a small snack with me?"},
	{[]string{"sundowning"}, "It's getting later in the day. Shall we turn on some warm lights and rest a little?"},
	{[]string{"repetition"}, "That's a good question. Everything is taken care of, and I'm right here with you."},
	{[]string{"boredom"}, "Would you like to do something together, like looking at some photos?"},
}

const defaultReply = "Thank you for sharing. I'm here with you. Would a sip of water or some quiet time help?"

// Heuristic picks a fixed phrase by trigger priority.
func Heuristic(triggers map[string]bool) string {
	for _, r := range heuristicRules {
		for _, t := range r.triggers {
			if triggers[t] {
				return r.text
			}
		}
	}
	return defaultReply
}
