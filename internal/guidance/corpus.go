// Package guidance indexes the caregiver tip corpus and answers similarity
// queries over it. The index is built once and is read-only afterwards.
package guidance

import (
	"embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ent0n29/calmcompanion/internal/textnorm"
)

//go:embed corpus/tips.md
var embedded embed.FS

const defaultCorpusFile = "corpus/tips.md"

// SnippetRunes bounds the snippet returned with each hit.
const SnippetRunes = 400

// TipDocument is one caregiver tip. It is immutable after the index is built.
type TipDocument struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`

	vec map[string]float64
}

// Snippet is the leading part of the body.
func (d TipDocument) Snippet() string {
	r := []rune(d.Body)
	if len(r) <= SnippetRunes {
		return d.Body
	}
	return string(r[:SnippetRunes])
}

// LoadCorpus reads a markdown corpus from path, or the built-in corpus when
// path is empty.
func LoadCorpus(path string) ([]TipDocument, error) {
	var (
		raw []byte
		err error
	)
	if strings.TrimSpace(path) == "" {
		raw, err = embedded.ReadFile(defaultCorpusFile)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read guidance corpus: %w", err)
	}
	return ParseCorpus(string(raw)), nil
}

// ParseCorpus splits markdown on level-two headings. Text before the first
// heading is ignored. A first body line of the form "tags: a, b" sets the tags.
func ParseCorpus(markdown string) []TipDocument {
	var (
		docs    []TipDocument
		title   string
		body    []string
		inTip   bool
		usedIDs = make(map[string]int)
	)
	flush := func() {
		if !inTip {
			return
		}
		doc := TipDocument{Title: title}
		lines := body
		for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
			lines = lines[1:]
		}
		if len(lines) > 0 {
			if tags, ok := parseTags(lines[0]); ok {
				doc.Tags = tags
				lines = lines[1:]
			}
		}
		doc.Body = strings.TrimSpace(strings.Join(lines, "\n"))
		doc.ID = uniqueID(slugify(title), usedIDs)
		docs = append(docs, doc)
	}

	for _, line := range strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			title = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			body = body[:0]
			inTip = true
			continue
		}
		if inTip {
			body = append(body, line)
		}
	}
	flush()
	return docs
}

func parseTags(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "tags:") {
		return nil, false
	}
	var tags []string
	for _, t := range strings.Split(trimmed[len("tags:"):], ",") {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, true
}

func slugify(title string) string {
	slug := strings.Join(textnorm.Split(strings.ReplaceAll(title, "'", "")), "-")
	if slug == "" {
		return "tip"
	}
	return slug
}

func uniqueID(base string, used map[string]int) string {
	used[base]++
	if n := used[base]; n > 1 {
		return base + "-" + strconv.Itoa(n)
	}
	return base
}
