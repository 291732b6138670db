// Package sources collects the documents cited by search findings and
// renders them as a report appendix.
package sources

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// Source is one document as a search worker reports it.
type Source struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Published string `json:"published,omitempty"`
}

// Citation is a deduplicated source with every sub-question that cited it.
type Citation struct {
	SubQuestionIDs []string
	Title          string
	URL            string
	Published      time.Time
}

type findingPayload struct {
	Sources []Source `json:"sources"`
}

// FromPayload reads the sources list of a search finding payload. Payloads
// without one yield nil.
func FromPayload(payload json.RawMessage) []Source {
	if len(payload) == 0 {
		return nil
	}
	var p findingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return p.Sources
}

// Collect gathers the sources of the given findings, merging entries that
// share a canonical URL. Sources without a usable URL are keyed by title.
// Output is ordered by first citing sub-question, then URL.
func Collect(findings []research.Finding) []Citation {
	byKey := make(map[string]*Citation)
	var order []string
	for _, f := range findings {
		if !f.Usable() {
			continue
		}
		for _, src := range FromPayload(f.Payload) {
			title := PlainText(src.Title)
			link, err := Canonical(src.URL)
			key := link
			if err != nil {
				link = ""
				if title == "" {
					continue
				}
				key = "title:" + strings.ToLower(title)
			}
			c, ok := byKey[key]
			if !ok {
				c = &Citation{Title: title, URL: link, Published: parseDate(src.Published)}
				byKey[key] = c
				order = append(order, key)
			}
			if c.Title == "" {
				c.Title = title
			}
			if !contains(c.SubQuestionIDs, f.SubQuestionID) {
				c.SubQuestionIDs = append(c.SubQuestionIDs, f.SubQuestionID)
			}
		}
	}

	out := make([]Citation, 0, len(order))
	for _, key := range order {
		c := *byKey[key]
		sort.Strings(c.SubQuestionIDs)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubQuestionIDs[0] != out[j].SubQuestionIDs[0] {
			return out[i].SubQuestionIDs[0] < out[j].SubQuestionIDs[0]
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// Format renders one citation:
// [sq-01, sq-03] Title (example.org, 2024-04-15) <https://example.org/a>
func Format(c Citation) string {
	parts := []string{"[" + strings.Join(c.SubQuestionIDs, ", ") + "]"}
	title := c.Title
	if title == "" {
		title = "Untitled source"
	}
	parts = append(parts, title)

	var meta []string
	if d := Domain(c.URL); d != "" {
		meta = append(meta, d)
	}
	if !c.Published.IsZero() {
		meta = append(meta, c.Published.Format("2006-01-02"))
	}
	if len(meta) > 0 {
		parts = append(parts, "("+strings.Join(meta, ", ")+")")
	}
	if c.URL != "" {
		parts = append(parts, "<"+c.URL+">")
	}
	return strings.Join(parts, " ")
}

var sectionRe = regexp.MustCompile(`(?mi)^#{1,6}\s+(sources|references)\s*$`)

// HasSection reports whether a markdown body already carries a sources or
// references heading.
func HasSection(body string) bool {
	return sectionRe.MatchString(body)
}

// Appendix renders a "## Sources" section, or "" when there is nothing to
// cite.
func Appendix(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "- %s\n", Format(c))
	}
	return b.String()
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
