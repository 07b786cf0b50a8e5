package narrative

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultAdvisorPhrases are matched when no phrases are configured.
var DefaultAdvisorPhrases = []string{
	"you should buy",
	"you should sell",
	"guaranteed returns",
	"guaranteed profit",
	"financial advice",
	"risk-free investment",
	"can't lose",
}

// AdvisorFilter flags text that contains financial-advice phrasing. Matching
// is case-insensitive substring search. A nil filter matches nothing.
type AdvisorFilter struct {
	phrases []string
}

// NewAdvisorFilter normalizes phrases; empty entries are dropped.
func NewAdvisorFilter(phrases []string) *AdvisorFilter {
	f := &AdvisorFilter{}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f.phrases = append(f.phrases, p)
		}
	}
	return f
}

// LoadAdvisorFilter reads one phrase per line from path.
func LoadAdvisorFilter(path string) (*AdvisorFilter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open advisor phrases: %w", err)
	}
	defer file.Close()

	var phrases []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		phrases = append(phrases, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read advisor phrases: %w", err)
	}
	return NewAdvisorFilter(phrases), nil
}

// Matches reports whether text contains any configured phrase.
func (f *AdvisorFilter) Matches(text string) bool {
	if f == nil || len(f.phrases) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
