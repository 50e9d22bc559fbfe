package guidance

import (
	"math"
	"sort"
	"strings"

	"github.com/ent0n29/calmcompanion/internal/textnorm"
)

// Hit is one ranked search result.
type Hit struct {
	Doc   TipDocument
	Score float64
}

// Index is a tf-idf index over a fixed corpus. It is safe for concurrent use.
type Index struct {
	docs []TipDocument
	idf  map[string]float64
}

// NewIndex builds the vocabulary and document vectors. An empty corpus gives an
// index that never matches.
func NewIndex(docs []TipDocument) *Index {
	idx := &Index{
		docs: make([]TipDocument, len(docs)),
		idf:  make(map[string]float64),
	}
	counts := make([]map[string]int, len(docs))
	df := make(map[string]int)
	for i, d := range docs {
		tf := termCounts(docText(d))
		counts[i] = tf
		for term := range tf {
			df[term]++
		}
	}
	n := float64(len(docs))
	for term, f := range df {
		idx.idf[term] = math.Log((1+n)/(1+float64(f))) + 1
	}
	for i, d := range docs {
		d.Tags = append([]string(nil), d.Tags...)
		d.vec = idx.weigh(counts[i])
		idx.docs[i] = d
	}
	return idx
}

func docText(d TipDocument) string {
	return d.Title + "\n" + strings.Join(d.Tags, " ") + "\n" + d.Body
}

func termCounts(text string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range textnorm.Split(text) {
		if keep(tok) {
			tf[tok]++
		}
	}
	return tf
}

// weigh turns raw counts into an l2-normalised tf-idf vector, dropping terms
// outside the vocabulary.
func (idx *Index) weigh(tf map[string]int) map[string]float64 {
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	vec := make(map[string]float64, len(tf))
	norm := 0.0
	for _, term := range terms {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		w := float64(tf[term]) * idf
		vec[term] = w
		norm += w * w
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for term := range vec {
		vec[term] /= norm
	}
	return vec
}

// Len is the number of indexed documents.
func (idx *Index) Len() int { return len(idx.docs) }

// Docs returns the indexed documents in corpus order.
func (idx *Index) Docs() []TipDocument {
	out := make([]TipDocument, len(idx.docs))
	copy(out, idx.docs)
	return out
}

// Search ranks documents by cosine similarity to query. Only positive scores are
// returned, highest first, ties in corpus order, at most k.
func (idx *Index) Search(query string, k int) []Hit {
	if k <= 0 || len(idx.docs) == 0 {
		return []Hit{}
	}
	q := idx.weigh(termCounts(query))
	if len(q) == 0 {
		return []Hit{}
	}
	// Fixed summation order keeps equal scores equal, so ties stay in corpus order.
	terms := make([]string, 0, len(q))
	for term := range q {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	hits := make([]Hit, 0, len(idx.docs))
	for _, d := range idx.docs {
		score := 0.0
		for _, term := range terms {
			score += q[term] * d.vec[term]
		}
		if score > 0 {
			hits = append(hits, Hit{Doc: d, Score: math.Min(score, 1)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
