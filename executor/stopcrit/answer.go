package stopcrit

import (
	"regexp"
	"strconv"
	"strings"
)

var answerIsRe = regexp.MustCompile(`(?i)the (?:final )?answer is[:\s]*([^\n]+)`)

// ExtractAnswer returns the last \boxed{...} content, or failing that the
// text following the last "The answer is".
func ExtractAnswer(text string) (string, bool) {
	if ans, ok := lastBoxed(text); ok {
		return ans, true
	}
	matches := answerIsRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	ans := strings.TrimSpace(matches[len(matches)-1][1])
	ans = strings.TrimRight(ans, ". ")
	if ans == "" {
		return "", false
	}
	return ans, true
}

// lastBoxed finds the last \boxed{ and returns its brace-balanced content.
func lastBoxed(text string) (string, bool) {
	const marker = `\boxed{`
	start := strings.LastIndex(text, marker)
	if start < 0 {
		return "", false
	}
	depth := 1
	body := text[start+len(marker):]
	for i, r := range body {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(body[:i]), true
			}
		}
	}
	return "", false
}

// normalize strips math delimiters, thousands separators and surrounding space.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "$ ")
	s = strings.TrimPrefix(s, `\text{`)
	s = strings.TrimSuffix(s, "}")
	s = strings.ReplaceAll(s, ",", "")
	return strings.ToLower(strings.TrimSpace(s))
}

// AnswersMatch compares two answers numerically when both parse, otherwise
// as normalised strings.
func AnswersMatch(got, want string) bool {
	g, w := normalize(got), normalize(want)
	gf, errG := strconv.ParseFloat(g, 64)
	wf, errW := strconv.ParseFloat(w, 64)
	if errG == nil && errW == nil {
		diff := gf - wf
		return diff < 1e-6 && diff > -1e-6
	}
	return g == w
}
