package evaluator

import (
	"strings"
	"unicode"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/utils"
)

// Scorer rates one aspect of a response between 0 and 1.
type Scorer func(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) float64

type Scorers struct {
	Completeness Scorer
	Relevance    Scorer
	Coherence    Scorer
}

func DefaultScorers() Scorers {
	return Scorers{
		Completeness: Completeness,
		Relevance:    Relevance,
		Coherence:    Coherence,
	}
}

const (
	// Responses shorter than this are likely cut short or evasive.
	shortResponseLength = 50

	// Responses longer than this get a small relevance bonus.
	longResponseLength = 200

	// Prompt words of this length or shorter are not key terms.
	minKeyTermLength = 3
)

var refusalPhrases = []string{
	"i cannot", "i can't", "unable to", "error",
	"sorry", "apologize", "don't have access",
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "should": true, "could": true, "may": true,
	"might": true, "must": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "you": true, "he": true, "she": true,
	"it": true, "we": true, "they": true, "what": true, "which": true, "about": true,
}

// Completeness penalizes empty, short, apologetic and truncated responses.
func Completeness(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) float64 {
	content := strings.TrimSpace(response.Content)
	if content == "" {
		return 0
	}

	score := 1.0
	if len([]rune(content)) < shortResponseLength {
		score *= 0.5
	}
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			score *= 0.6
			break
		}
	}
	if strings.HasSuffix(content, "...") || strings.HasSuffix(content, "…") || response.FinishReason == "length" {
		score *= 0.8
	}
	return utils.Clamp01(score)
}

// Relevance is the share of key terms of the last user message that appear
// in the response.
func Relevance(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) float64 {
	content := strings.ToLower(strings.TrimSpace(response.Content))
	prompt := spec.Payload.LastUserMessage()
	if prompt == "" {
		prompt = spec.Payload.Text()
	}
	prompt = strings.ToLower(strings.TrimSpace(prompt))
	if content == "" || prompt == "" {
		return 0
	}

	terms := keyTerms(prompt)
	if len(terms) == 0 {
		return 1
	}
	matches := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			matches++
		}
	}
	score := float64(matches) / float64(len(terms))
	if len(content) > longResponseLength {
		score *= 1.1
	}
	return utils.Clamp01(score)
}

// Coherence looks at punctuation, word repetition and sentence length.
func Coherence(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) float64 {
	content := strings.TrimSpace(response.Content)
	if content == "" {
		return 0
	}

	score := 1.0
	if !strings.ContainsAny(content, ".!?") {
		score *= 0.7
	}

	words := strings.Fields(strings.ToLower(content))
	counts := make(map[string]int)
	maxCount := 0
	for _, word := range words {
		if len(word) <= minKeyTermLength {
			continue
		}
		counts[word]++
		if counts[word] > maxCount {
			maxCount = counts[word]
		}
	}
	if float64(maxCount) > float64(len(words))*0.2 {
		score *= 0.6
	}

	sentences := 0
	sentenceWords := 0
	for _, sentence := range strings.Split(content, ".") {
		if fields := strings.Fields(sentence); len(fields) > 0 {
			sentences++
			sentenceWords += len(fields)
		}
	}
	if sentences > 0 {
		average := float64(sentenceWords) / float64(sentences)
		if average < 3 {
			score *= 0.7
		}
		if average > 50 {
			score *= 0.8
		}
	}

	if strings.Contains(content, "```") || strings.Contains(content, "\n\n") {
		score *= 1.1
	}
	return utils.Clamp01(score)
}

func keyTerms(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) <= minKeyTermLength || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}
	return terms
}
