package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockFailure MockClient 在 ShouldFail 时返回的默认错误。
var ErrMockFailure = errors.New("mock llm failure")

// MockClient 用于测试与本地运行的 Mock LLM 客户端
type MockClient struct {
	mu sync.Mutex

	// Responses 按 schema 名返回固定回复；没有命中时用 Default
	Responses map[string]string
	Default   string

	// 控制失败行为
	ShouldFail bool
	Err        error
	// Delay 模拟慢调用，尊重 ctx 取消
	Delay time.Duration

	CallCount    int
	LastMessages []Message
	LastSchema   *JSONSchema
}

// NewMockClient 创建 Mock LLM 客户端，默认回复一个全 false 的分类和一句温和的教练台词
func NewMockClient() *MockClient {
	return &MockClient{
		Responses: map[string]string{
			"text_classification": `{"break_request":false,"quit_request":false,"frustration":false,"distress":false,"confidence":0.5}`,
			"coach_response":      `{"coach_line":"Nice try! Let's look at this one together.","choice_presentation":"You can try again or pick another card."}`,
		},
	}
}

// Complete 模拟 LLM Complete 方法
func (m *MockClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastMessages = append([]Message(nil), messages...)
	m.LastSchema = schema
	delay := m.Delay
	shouldFail := m.ShouldFail
	err := m.Err
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		return "", err
	}
	if shouldFail {
		return "", ErrMockFailure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if schema != nil {
		if reply, ok := m.Responses[schema.Name]; ok {
			return reply, nil
		}
	}
	return m.Default, nil
}

// SetResponse 设置某个 schema 名对应的回复
func (m *MockClient) SetResponse(schemaName, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Responses == nil {
		m.Responses = make(map[string]string)
	}
	m.Responses[schemaName] = reply
}

// Calls 并发安全地读取调用次数
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
