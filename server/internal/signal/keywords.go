package signal

import (
	"regexp"
	"strings"

	"speech-coach/server/internal/model"
)

// 关键词兜底：分类后端超时或出错时使用。纯函数，不会 panic。
var (
	breakKeywords       = []string{"break", "stop", "tired"}
	quitKeywords        = []string{"done", "quit", "no more"}
	distressKeywords    = []string{"no no no", "scream", "yell"}
	frustrationKeywords = []string{"ugh", "argh"}

	// 拉长的 "ahh" / "aaahhh"
	elongatedAh = regexp.MustCompile(`a+hh+`)
	cryingMark  = "[crying]"

	nonWord = regexp.MustCompile(`[^a-z0-9\[\]\s]+`)
	spaces  = regexp.MustCompile(`\s+`)
)

// KeywordFallback 按固定顺序返回命中的文本信号。
func KeywordFallback(text string) []model.Signal {
	lower := strings.ToLower(text)
	normalized := normalize(lower)

	signals := make([]model.Signal, 0, 2)
	if containsAny(normalized, breakKeywords) {
		signals = append(signals, model.SignalWantsBreak)
	}
	if containsAny(normalized, quitKeywords) {
		signals = append(signals, model.SignalWantsQuit)
	}

	distress := containsAny(normalized, distressKeywords) ||
		elongatedAh.MatchString(normalized) ||
		strings.Contains(lower, cryingMark)
	if distress {
		signals = append(signals, model.SignalDistress)
	}
	// 已经是 DISTRESS 就不再叠加 FRUSTRATION
	if !distress && containsAny(normalized, frustrationKeywords) {
		signals = append(signals, model.SignalFrustration)
	}
	return signals
}

// normalize 去标点、折叠空白："No, no... NO!" -> "no no no"
func normalize(lower string) string {
	s := nonWord.ReplaceAllString(lower, " ")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
