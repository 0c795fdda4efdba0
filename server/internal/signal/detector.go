// Package signal 把一轮 Event 转成离散信号：音频、重复模式、状态派生、文本分类。
package signal

import (
	"context"
	"strings"

	"speech-coach/server/internal/model"
	"speech-coach/server/internal/safety"
)

// Detection 单轮检测结果。Signals 允许重复，由下游去重。
type Detection struct {
	Signals []model.Signal
	Source  model.ClassificationSource
	// ClassifierErr 非空表示文本信号来自关键词兜底。
	ClassifierErr error
}

// Detector 信号检测器
type Detector struct {
	classifier *Classifier
}

// NewDetector 创建信号检测器
func NewDetector(classifier *Classifier) *Detector {
	return &Detector{classifier: classifier}
}

// Detect 依次产出音频、模式、状态派生和文本信号。
// 只有文本分类会做 I/O；它的失败在 Classifier 内部消化。
func (d *Detector) Detect(ctx context.Context, p safety.Policy, state model.State, evt model.Event) Detection {
	signals := AudioSignals(evt)
	signals = append(signals, PatternSignals(evt)...)
	signals = append(signals, StateSignals(p, state)...)

	if strings.TrimSpace(evt.Response) == "" || d.classifier == nil {
		return Detection{Signals: signals, Source: model.ClassificationSkipped}
	}

	c := d.classifier.Classify(ctx, evt.Response)
	signals = append(signals, c.Signals...)
	return Detection{Signals: signals, Source: c.Source, ClassifierErr: c.Err}
}

// AudioSignals 采集层预先标注的音频标记。
func AudioSignals(evt model.Event) []model.Signal {
	out := make([]model.Signal, 0, 3)
	if evt.Signals == nil {
		return out
	}
	if evt.Signals.Screaming {
		out = append(out, model.SignalScreaming)
	}
	if evt.Signals.Crying {
		out = append(out, model.SignalCrying)
	}
	if evt.Signals.ProlongedSilence {
		out = append(out, model.SignalProlongedSilence)
	}
	return out
}

// PatternSignals 与上一次回答逐字相同（区分大小写）视为重复。
// 空回答不算重复，否则第一轮沉默就会被当成重复。
func PatternSignals(evt model.Event) []model.Signal {
	if evt.Type != model.EventTypeResponse || evt.Response == "" {
		return nil
	}
	if evt.Response == evt.PreviousResponse {
		return []model.Signal{model.SignalRepetitiveResponse}
	}
	return nil
}

// StateSignals 从会话状态派生的信号，阈值与 YELLOW 判定共用。
func StateSignals(p safety.Policy, state model.State) []model.Signal {
	var out []model.Signal
	if state.ConsecutiveErrors >= p.Thresholds.YellowConsecutiveErrors {
		out = append(out, model.SignalConsecutiveErrors)
	}
	if state.EngagementLevel <= p.Thresholds.YellowEngagement {
		out = append(out, model.SignalEngagementDrop)
	}
	return out
}
