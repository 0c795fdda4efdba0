package coach

import (
	"regexp"
	"strings"

	"speech-coach/server/internal/model"
)

// 评判性句式，大小写不敏感。
var judgmentalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\byou\s+(should|must|need\s+to|have\s+to)\b`),
	regexp.MustCompile(`(?i)\bthat['’]?s\s+(wrong|not\s+right|incorrect)\b`),
	regexp.MustCompile(`(?i)\btry\s+harder\b`),
	regexp.MustCompile(`(?i)\bwhy\s+didn['’]?t\s+you\b`),
	regexp.MustCompile(`(?i)\bhurry\s+up\b`),
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Validate 逐项检查生成结果，不短路：Reason 列出所有失败项。
func Validate(gen model.LLMGeneration, c model.Constraints) model.LLMValidation {
	maxWords := c.MaxWords
	if maxWords <= 0 {
		maxWords = MaxCoachWords
	}
	maxSentences := c.MaxSentences
	if maxSentences <= 0 {
		maxSentences = MaxSentences(c.Level)
	}
	forbidden := c.ForbiddenWords
	if forbidden == nil {
		forbidden = ForbiddenWords
	}

	spoken := gen.CoachLine + "\n" + gen.ChoicePresentation
	checks := map[string]bool{
		model.CheckLengthAppropriate: WordCount(gen.CoachLine) <= maxWords,
		model.CheckNoForbiddenWords:  findForbidden(spoken, forbidden) == "",
		model.CheckHasChoices:        strings.TrimSpace(gen.ChoicePresentation) != "",
		model.CheckNonJudgmental:     !isJudgmental(spoken),
		model.CheckSentenceCount:     SentenceCount(gen.CoachLine) <= maxSentences,
	}

	v := model.LLMValidation{Valid: true, Checks: checks}
	if failed := v.Failed(); len(failed) > 0 {
		v.Valid = false
		v.Reason = "failed checks: " + strings.Join(failed, ", ")
	}
	return v
}

// WordCount 按空白切分计数。
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// SentenceCount 按 . ! ? 切分，忽略空片段。
func SentenceCount(s string) int {
	n := 0
	for _, part := range sentenceSplit.Split(s, -1) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

func findForbidden(text string, words []string) string {
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return w
		}
	}
	return ""
}

func isJudgmental(text string) bool {
	for _, re := range judgmentalPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
