package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON returns the outermost JSON object embedded in model output.
func extractJSON(text string) (json.RawMessage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("model response did not contain JSON object")
	}
	raw := json.RawMessage(text[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("model response contained invalid JSON")
	}
	return raw, nil
}

func nonEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}

type mcqSet struct {
	Title     string `json:"title"`
	Questions []struct {
		ID           string `json:"id"`
		QuestionText string `json:"questionText"`
		Options      []struct {
			ID          string `json:"id"`
			Text        string `json:"text"`
			Explanation string `json:"explanation"`
		} `json:"options"`
		CorrectAnswer string `json:"correctAnswer"`
	} `json:"questions"`
}

func validateMCQ(raw json.RawMessage, numQuestions, numOptions int) error {
	var set mcqSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("invalid root JSON: %w", err)
	}
	if !nonEmpty(set.Title) {
		return fmt.Errorf("invalid title")
	}
	if len(set.Questions) != numQuestions {
		return fmt.Errorf("questions must have exactly %d items", numQuestions)
	}
	valid := make(map[string]bool, numOptions)
	for _, id := range optionIDs(numOptions) {
		valid[id] = true
	}
	for i, q := range set.Questions {
		if !nonEmpty(q.ID) {
			return fmt.Errorf("question[%d].id invalid", i)
		}
		if !nonEmpty(q.QuestionText) {
			return fmt.Errorf("question[%d].questionText invalid", i)
		}
		if len(q.Options) != numOptions {
			return fmt.Errorf("question[%d].options must have exactly %d items", i, numOptions)
		}
		for j, o := range q.Options {
			if !valid[o.ID] {
				return fmt.Errorf("question[%d].options[%d].id invalid", i, j)
			}
			if !nonEmpty(o.Text) || !nonEmpty(o.Explanation) {
				return fmt.Errorf("question[%d].options[%d] missing text or explanation", i, j)
			}
		}
		if !valid[q.CorrectAnswer] {
			return fmt.Errorf("question[%d].correctAnswer invalid", i)
		}
	}
	return nil
}

type flashcardSet struct {
	Title string `json:"title"`
	Cards []struct {
		ID    string  `json:"id"`
		Front string  `json:"front"`
		Back  string  `json:"back"`
		Hint  *string `json:"hint"`
	} `json:"cards"`
}

func validateFlashcards(raw json.RawMessage, numCards int) error {
	var set flashcardSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("invalid root JSON: %w", err)
	}
	if !nonEmpty(set.Title) {
		return fmt.Errorf("invalid title")
	}
	if len(set.Cards) != numCards {
		return fmt.Errorf("cards must have exactly %d items", numCards)
	}
	for i, c := range set.Cards {
		if !nonEmpty(c.ID) || !nonEmpty(c.Front) || !nonEmpty(c.Back) {
			return fmt.Errorf("card[%d] missing id, front, or back", i)
		}
		if c.Hint == nil {
			return fmt.Errorf("card[%d].hint must be a string (can be empty)", i)
		}
	}
	return nil
}

type shortAnswerSet struct {
	Title     string `json:"title"`
	Questions []struct {
		ID             string   `json:"id"`
		QuestionText   string   `json:"questionText"`
		Context        *string  `json:"context"`
		SampleAnswer   string   `json:"sampleAnswer"`
		KeyPoints      []string `json:"keyPoints"`
		Rubric         string   `json:"rubric"`
		ExpectedLength *float64 `json:"expectedLength"`
	} `json:"questions"`
}

func validateShortAnswers(raw json.RawMessage, numQuestions int) error {
	var set shortAnswerSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("invalid root JSON: %w", err)
	}
	if !nonEmpty(set.Title) {
		return fmt.Errorf("invalid title")
	}
	if len(set.Questions) != numQuestions {
		return fmt.Errorf("questions must have exactly %d items", numQuestions)
	}
	for i, q := range set.Questions {
		if !nonEmpty(q.ID) || !nonEmpty(q.QuestionText) {
			return fmt.Errorf("question[%d] missing id or questionText", i)
		}
		if q.Context == nil {
			return fmt.Errorf("question[%d].context must be a string (can be empty)", i)
		}
		if !nonEmpty(q.SampleAnswer) || !nonEmpty(q.Rubric) {
			return fmt.Errorf("question[%d] missing sampleAnswer or rubric", i)
		}
		if len(q.KeyPoints) < 3 {
			return fmt.Errorf("question[%d].keyPoints must have at least 3 items", i)
		}
		for j, kp := range q.KeyPoints {
			if !nonEmpty(kp) {
				return fmt.Errorf("question[%d].keyPoints[%d] must be non-empty", i, j)
			}
		}
	}
	return nil
}
