package worker

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompts holds the templates used by the generation workers. Any field
// left empty in a prompts file keeps its built-in default.
type Prompts struct {
	Answer      string `yaml:"answer"`
	Title       string `yaml:"title"`
	MCQ         string `yaml:"mcq"`
	Flashcard   string `yaml:"flashcard"`
	ShortAnswer string `yaml:"short_answer"`
	// Retry is appended to a practice prompt after an invalid response.
	Retry string `yaml:"retry"`

	Style struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	p := Prompts{
		Answer: `You are a study assistant for a textbook. Use the retrieved textbook excerpts below to answer the student's question.
Cite excerpts by their reference when you rely on them. If the excerpts do not contain the answer, say that you don't know.

{{range .Sections}}[{{.Ref}}]
{{.Content}}

{{end}}`,
		Title: `You are given the first message from a student and the first reply from an AI in a conversation.
Based on these two messages, come up with a name that describes the conversation.
The name should be less than 30 characters. ONLY OUTPUT THE NAME YOU GENERATED. NO OTHER TEXT.

Student: {{.Query}}
AI: {{.Response}}`,
		MCQ: `You are an assistant that generates practice MCQs in strict JSON. Output ONLY valid JSON.

Context (from textbook):
{{range .Snippets}}- {{.}}
{{end}}
Constraints:
- Topic: "{{.Topic}}"
- Difficulty: "{{.Difficulty}}" (beginner|intermediate|advanced)
- Produce exactly {{.NumQuestions}} question(s) with exactly {{.NumOptions}} option(s) each
- Question IDs: q1..q{{.NumQuestions}}
- Allowed option IDs per question: {{.OptionIDs}}

Content requirements:
- Write real, specific questions based on the context; no placeholders.
- Exactly one correct answer per question; include explanations for all options.

JSON structure:
{"title": "Practice Quiz: {{.Topic}}", "questions": [{"id": "q1", "questionText": string, "options": [{"id": "a", "text": string, "explanation": string}], "correctAnswer": "a"}]}

Return JSON only, no extra text.`,
		Flashcard: `Generate {{.NumCards}} flashcards as valid JSON only.
Topic: "{{.Topic}}" | Type: {{.CardType}} ({{.CardGuidance}}) | Difficulty: {{.Difficulty}}

Context:
{{range .Snippets}}- {{.}}
{{end}}
Required JSON format:
{"title": "Flashcards: {{.Topic}}", "cards": [{"id": "card1", "front": "Question or term", "back": "Answer or definition", "hint": ""}]}

Requirements:
- Exactly {{.NumCards}} cards
- Hint is optional (use "" if not needed)
- No markdown, no extra text`,
		ShortAnswer: `Generate {{.NumQuestions}} short answer questions as valid JSON only.
Topic: "{{.Topic}}" | Difficulty: {{.Difficulty}}

Context:
{{range $i, $s := .Snippets}}[Chunk {{inc $i}}]
{{$s}}

{{end}}Required JSON format:
{"title": "Short Answer: {{.Topic}}", "questions": [{"id": "q1", "questionText": string, "context": "", "sampleAnswer": string, "keyPoints": [string, string, string], "rubric": string, "expectedLength": 100}]}

Requirements:
- Exactly {{.NumQuestions}} questions
- Key points: 3-5 essential concepts
- No markdown, no extra text`,
		Retry: "\n\nIMPORTANT: Your previous response was invalid. You MUST return valid JSON only, exactly matching the schema and lengths. No extra commentary.",
	}
	p.Style.Temperature = 0.6
	p.Style.MaxTokens = 1024
	return p
}

// LoadPrompts reads prompt overrides from a YAML file. An empty path
// returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(b, &override); err != nil {
		return p, fmt.Errorf("parse prompts file: %w", err)
	}

	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&p.Answer, override.Answer)
	merge(&p.Title, override.Title)
	merge(&p.MCQ, override.MCQ)
	merge(&p.Flashcard, override.Flashcard)
	merge(&p.ShortAnswer, override.ShortAnswer)
	merge(&p.Retry, override.Retry)
	if override.Style.Temperature > 0 {
		p.Style.Temperature = override.Style.Temperature
	}
	if override.Style.MaxTokens > 0 {
		p.Style.MaxTokens = override.Style.MaxTokens
	}

	if err := p.validate(); err != nil {
		return DefaultPrompts(), err
	}
	return p, nil
}

func (p Prompts) validate() error {
	for name, text := range map[string]string{
		"answer":       p.Answer,
		"title":        p.Title,
		"mcq":          p.MCQ,
		"flashcard":    p.Flashcard,
		"short_answer": p.ShortAnswer,
	} {
		if _, err := parseTemplate(name, text); err != nil {
			return err
		}
	}
	return nil
}

var templateFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

func parseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s prompt: %w", name, err)
	}
	return t, nil
}

func render(name, text string, data any) (string, error) {
	t, err := parseTemplate(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}
