package guidance

import "strings"

// FallbackQuery is used when a turn has neither text nor active triggers.
const FallbackQuery = "general calm reassurance routine"

var expansions = map[string]string{
	"door":         "door keys exit redirect",
	"exit-seeking": "leave home wandering redirect walk",
	"repetition":   "repeated questions patience",
	"hunger":       "hunger snack drink meals",
	"sundowning":   "evening dusk late-afternoon lights",
	"confusion":    "confusion reorient orientation",
	"pain":         "pain discomfort hurts clinician",
	"loneliness":   "loneliness connection company",
	"overwhelm":    "overwhelm space noise",
	"boredom":      "boredom activity tasks",
	"routine":      "refusal routine tasks choice",
	"environment":  "environment noise lighting temperature",
	"physiology":   "bathroom thirst tiredness body needs",
	"anxiety":      "fear anxiety reassure safe",
}

// Retriever turns a turn's text and triggers into a guidance query.
type Retriever struct {
	index *Index
}

func NewRetriever(index *Index) *Retriever {
	return &Retriever{index: index}
}

func (r *Retriever) Index() *Index { return r.index }

// Query builds the search text for a turn.
func Query(text string, triggers []string) string {
	parts := make([]string, 0, len(triggers)+1)
	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, t)
	}
	for _, trig := range triggers {
		if exp, ok := expansions[trig]; ok {
			parts = append(parts, exp)
		} else if trig != "" {
			parts = append(parts, trig)
		}
	}
	if len(parts) == 0 {
		return FallbackQuery
	}
	return strings.Join(parts, " ")
}

// Retrieve returns at most k tips for the turn. A query sharing no terms
// with the corpus yields no tips.
func (r *Retriever) Retrieve(text string, triggers []string, k int) []Hit {
	return r.index.Search(Query(text, triggers), k)
}
