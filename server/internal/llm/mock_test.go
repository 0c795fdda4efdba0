package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientDefaultsMatchSchemas(t *testing.T) {
	m := NewMockClient()
	out, err := m.Complete(context.Background(), nil, testSchema)
	require.NoError(t, err)

	var reply coachReply
	require.NoError(t, MustCompileSchema(testSchema).Decode(out, &reply))
	assert.NotEmpty(t, reply.CoachLine)
	assert.Equal(t, 1, m.Calls())
}

func TestMockClientFailure(t *testing.T) {
	m := NewMockClient()
	m.ShouldFail = true
	_, err := m.Complete(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, ErrMockFailure))

	custom := errors.New("boom")
	m.Err = custom
	_, err = m.Complete(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, custom))
	assert.Equal(t, 2, m.Calls())
}

func TestMockClientDelayRespectsContext(t *testing.T) {
	m := NewMockClient()
	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Complete(ctx, nil, testSchema)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
