package worker

import (
	"context"
	"strings"

	"github.com/ashureev/textbook-companion/internal/domain"
)

// SectionSearcher finds textbook sections relevant to a query.
type SectionSearcher interface {
	SearchSections(ctx context.Context, textbookID, query string, limit int) ([]domain.TextbookSection, error)
}

// Retriever selects the textbook sections a generation round cites.
type Retriever struct {
	searcher SectionSearcher
	limit    int
}

// NewRetriever creates a Retriever returning at most limit sections.
func NewRetriever(searcher SectionSearcher, limit int) *Retriever {
	if limit <= 0 {
		limit = 4
	}
	return &Retriever{searcher: searcher, limit: limit}
}

// Retrieve returns sections for query.
func (r *Retriever) Retrieve(ctx context.Context, textbookID, query string) ([]domain.TextbookSection, error) {
	return r.searcher.SearchSections(ctx, textbookID, query, r.limit)
}

// refs returns the citation references of sections, in order.
func refs(sections []domain.TextbookSection) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		out = append(out, s.Ref)
	}
	return out
}

// snippets truncates section contents at a word boundary for prompt use.
func snippets(sections []domain.TextbookSection, limit, maxLen int) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if len(out) == limit {
			break
		}
		text := strings.TrimSpace(s.Content)
		if len(text) > maxLen {
			text = text[:maxLen]
			if i := strings.LastIndex(text, " "); i > 0 {
				text = text[:i]
			}
			text += "..."
		}
		out = append(out, text)
	}
	return out
}
