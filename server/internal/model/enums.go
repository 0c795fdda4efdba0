package model

import (
	"fmt"
	"strings"
)

// Level 安全等级，GREEN < YELLOW < ORANGE < RED。
// 数值即严重度，评估与 UI 比较都直接用整数序。
type Level int

const (
	LevelGreen Level = iota
	LevelYellow
	LevelOrange
	LevelRed
)

// Levels 按严重度升序返回全部等级。
func Levels() []Level {
	return []Level{LevelGreen, LevelYellow, LevelOrange, LevelRed}
}

func (l Level) String() string {
	switch l {
	case LevelGreen:
		return "GREEN"
	case LevelYellow:
		return "YELLOW"
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Valid 判断是否为已知等级。
func (l Level) Valid() bool {
	return l >= LevelGreen && l <= LevelRed
}

// ParseLevel 大小写不敏感地解析等级名。
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GREEN":
		return LevelGreen, nil
	case "YELLOW":
		return LevelYellow, nil
	case "ORANGE":
		return LevelOrange, nil
	case "RED":
		return LevelRed, nil
	default:
		return LevelGreen, fmt.Errorf("unknown level %q", s)
	}
}

// MarshalText 让 JSON/YAML 中的等级以名字出现。
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Signal 单轮瞬时信号，不持久化。
type Signal string

const (
	// 音频信号（采集层预先标注）
	SignalScreaming        Signal = "SCREAMING"
	SignalCrying           Signal = "CRYING"
	SignalProlongedSilence Signal = "PROLONGED_SILENCE"

	// 文本信号（分类器或关键词兜底）
	SignalWantsBreak  Signal = "WANTS_BREAK"
	SignalWantsQuit   Signal = "WANTS_QUIT"
	SignalFrustration Signal = "FRUSTRATION"
	SignalDistress    Signal = "DISTRESS"

	// 模式信号
	SignalRepetitiveResponse Signal = "REPETITIVE_RESPONSE"

	// 状态派生信号
	SignalConsecutiveErrors Signal = "CONSECUTIVE_ERRORS"
	SignalEngagementDrop    Signal = "ENGAGEMENT_DROP"
)

var allSignals = []Signal{
	SignalScreaming,
	SignalCrying,
	SignalProlongedSilence,
	SignalWantsBreak,
	SignalWantsQuit,
	SignalFrustration,
	SignalDistress,
	SignalRepetitiveResponse,
	SignalConsecutiveErrors,
	SignalEngagementDrop,
}

// AllSignals 返回封闭的信号枚举。
func AllSignals() []Signal {
	out := make([]Signal, len(allSignals))
	copy(out, allSignals)
	return out
}

func (s Signal) Valid() bool {
	for _, known := range allSignals {
		if s == known {
			return true
		}
	}
	return false
}

// HasSignal 判断列表中是否包含任一目标信号。
func HasSignal(signals []Signal, targets ...Signal) bool {
	for _, s := range signals {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// DedupSignals 按首次出现顺序去重。
func DedupSignals(signals []Signal) []Signal {
	seen := make(map[Signal]bool, len(signals))
	out := make([]Signal, 0, len(signals))
	for _, s := range signals {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Intervention 可提供给孩子或照护者的干预动作。
type Intervention string

const (
	InterventionBubbleBreathing Intervention = "BUBBLE_BREATHING"
	InterventionSkipCard        Intervention = "SKIP_CARD"
	InterventionRetryCard       Intervention = "RETRY_CARD"
	InterventionStartBreak      Intervention = "START_BREAK"
	InterventionCallGrownup     Intervention = "CALL_GROWNUP"
)

// 规范顺序：集合输出时按此排序，保证结果确定。
var allInterventions = []Intervention{
	InterventionBubbleBreathing,
	InterventionSkipCard,
	InterventionRetryCard,
	InterventionStartBreak,
	InterventionCallGrownup,
}

func AllInterventions() []Intervention {
	out := make([]Intervention, len(allInterventions))
	copy(out, allInterventions)
	return out
}

// Label 给孩子看的按钮文案。
func (i Intervention) Label() string {
	switch i {
	case InterventionBubbleBreathing:
		return "Bubble breathing"
	case InterventionSkipCard:
		return "Skip this one"
	case InterventionRetryCard:
		return "Try again"
	case InterventionStartBreak:
		return "Take a break"
	case InterventionCallGrownup:
		return "Get a grown-up"
	default:
		return string(i)
	}
}

// InterventionSet 干预集合，重复添加自动抑制。
type InterventionSet map[Intervention]struct{}

func NewInterventionSet(items ...Intervention) InterventionSet {
	set := make(InterventionSet, len(items))
	set.Add(items...)
	return set
}

func (s InterventionSet) Add(items ...Intervention) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

func (s InterventionSet) Has(item Intervention) bool {
	_, ok := s[item]
	return ok
}

// Contains 判断 s 是否为 other 的超集。
func (s InterventionSet) Contains(other InterventionSet) bool {
	for item := range other {
		if !s.Has(item) {
			return false
		}
	}
	return true
}

// Sorted 按规范顺序输出。
func (s InterventionSet) Sorted() []Intervention {
	out := make([]Intervention, 0, len(s))
	for _, item := range allInterventions {
		if s.Has(item) {
			out = append(out, item)
		}
	}
	return out
}

// Tone 头像/语音语气。
type Tone string

const (
	ToneCalm Tone = "calm"
	ToneWarm Tone = "warm"
)
