package cues

// Category is a named agitation-indicator class.
type Category string

const (
	Door        Category = "door"
	ExitSeeking Category = "exit-seeking"
	Repetition  Category = "repetition"
	Hunger      Category = "hunger"
	Sundowning  Category = "sundowning"
	Confusion   Category = "confusion"
	Pain        Category = "pain"
	Loneliness  Category = "loneliness"
	Overwhelm   Category = "overwhelm"
	Boredom     Category = "boredom"
	Routine     Category = "routine"
	Environment Category = "environment"
	Physiology  Category = "physiology"
	Anxiety     Category = "anxiety"
)

// All lists every category in canonical order. Explanations, trigger maps and
// sorted sets follow this order.
var All = []Category{
	Door,
	ExitSeeking,
	Repetition,
	Hunger,
	Sundowning,
	Confusion,
	Pain,
	Loneliness,
	Overwhelm,
	Boredom,
	Routine,
	Environment,
	Physiology,
	Anxiety,
}

var rank = func() map[Category]int {
	m := make(map[Category]int, len(All))
	for i, c := range All {
		m[c] = i
	}
	return m
}()

// Known reports whether c is one of the canonical categories.
func Known(c Category) bool {
	_, ok := rank[c]
	return ok
}

// Set is an unordered collection of categories; each category appears once.
type Set map[Category]struct{}

func NewSet(cs ...Category) Set {
	s := make(Set, len(cs))
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

func (s Set) Add(c Category) { s[c] = struct{}{} }

func (s Set) Has(c Category) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the members in canonical order.
func (s Set) Sorted() []Category {
	out := make([]Category, 0, len(s))
	for _, c := range All {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings returns the members as plain strings in canonical order.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}
