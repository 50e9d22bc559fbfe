package cues

var negativeWords = wordSet(`worried anxious nervous agitated upset angry mad furious scared afraid sad lonely
	bored confused lost hurt pain ache dizzy headache frustrated annoyed overwhelmed
	thirsty hungry tired cold hot itchy burning nausea fever shiver weak restless
	frightened crying cry awful terrible hate miserable`)

var positiveWords = wordSet(`happy calm relaxed okay ok good fine great loved safe comfortable content glad hopeful
	nice lovely thanks thank wonderful better`)

// phrase is a token sequence; a trailing "*" on the last token matches by prefix.
// unless lists phrases that suppress the match when present anywhere in the text.
type phrase struct {
	text   string
	unless []string
}

func p(text string, unless ...string) phrase { return phrase{text: text, unless: unless} }

var cueTable = map[Category][]phrase{
	Door: {
		p("door*"), p("gate"), p("key"), p("keys"), p("unlock*"), p("locked"),
	},
	ExitSeeking: {
		p("leave", "leave me alone", "leave me be"), p("leaving"), p("go home"), p("going home"),
		p("take me home"), p("get out"), p("let me out"), p("wander*"), p("walk out"),
		p("have to go"), p("need to go"), p("drive home"), p("catch the bus"), p("exit*"),
	},
	Repetition: {
		p("again"), p("keeps asking"), p("keep asking"), p("keeps saying"), p("already told"),
		p("asked already"), p("same question"), p("over and over"), p("repeat*"),
	},
	Hunger: {
		p("hungry"), p("starving"), p("eat"), p("food"), p("lunch"), p("dinner"),
		p("breakfast"), p("snack"),
	},
	Sundowning: {
		p("getting dark"), p("dark outside"), p("night"), p("tonight"), p("evening"),
		p("sunset"), p("can't sleep"), p("cannot sleep"), p("cant sleep"), p("restless"),
	},
	Confusion: {
		p("where am i"), p("what is this place"), p("who are you"), p("don't remember"),
		p("dont remember"), p("can't remember"), p("cant remember"), p("do not remember"),
		p("lost"), p("confused"), p("don't know where"), p("what day"),
	},
	Pain: {
		p("pain*"), p("hurt*"), p("ache*"), p("dizzy"), p("headache"), p("burning"),
		p("nausea"), p("itchy"), p("fever"), p("shiver*"), p("sore"),
	},
	Loneliness: {
		p("alone", "leave me alone"), p("lonely"), p("nobody"), p("no one"), p("miss my"),
	},
	Overwhelm: {
		p("stop it"), p("leave me alone"), p("leave me be"), p("get away"), p("too much"),
		p("overwhelm*"),
	},
	Boredom: {
		p("bored"), p("boring"), p("nothing to do"),
	},
	Routine: {
		p("don't want to"), p("dont want to"), p("won't"), p("wont"), p("no i don't"),
		p("not going to"), p("refus*"),
	},
	Environment: {
		p("too loud"), p("noisy"), p("noise"), p("crowd"), p("crowded"), p("too bright"),
		p("too dark"), p("clutter*"), p("too hot"), p("too cold"),
	},
	Physiology: {
		p("thirsty"), p("bathroom"), p("toilet"), p("tired"), p("sleepy"), p("weak"),
		p("cold", "too cold"), p("hot", "too hot"),
	},
	Anxiety: {
		p("scared"), p("afraid"), p("anxious"), p("paranoid"), p("worried"), p("nervous"),
		p("frightened"), p("embarrassed"), p("agitated"),
	},
}

func wordSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) > 0 {
			out[string(word)] = struct{}{}
			word = word[:0]
		}
	}
	for _, r := range raw {
		if r == ' ' || r == '\n' || r == '\t' {
			flush()
			continue
		}
		word = append(word, r)
	}
	flush()
	return out
}
