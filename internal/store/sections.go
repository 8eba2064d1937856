package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/textbook-companion/internal/domain"
	"gopkg.in/yaml.v3"
)

type sectionFile struct {
	Sections []struct {
		TextbookID string `yaml:"textbook_id"`
		Ref        string `yaml:"ref"`
		Content    string `yaml:"content"`
	} `yaml:"sections"`
}

// LoadSections upserts the textbook sections listed in a YAML file and
// returns how many were written.
func LoadSections(ctx context.Context, repo Repository, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read sections file: %w", err)
	}

	var f sectionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse sections file: %w", err)
	}

	for i, s := range f.Sections {
		section := domain.TextbookSection{
			TextbookID: strings.TrimSpace(s.TextbookID),
			Ref:        strings.TrimSpace(s.Ref),
			Content:    strings.TrimSpace(s.Content),
		}
		if section.TextbookID == "" || section.Ref == "" || section.Content == "" {
			return i, fmt.Errorf("section %d: textbook_id, ref and content are required", i)
		}
		if err := repo.PutSection(ctx, section); err != nil {
			return i, err
		}
	}
	return len(f.Sections), nil
}
