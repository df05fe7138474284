package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockBatchResultIterator implements BatchResultIterator for testing.
type MockBatchResultIterator struct {
	items  []BatchResultItem
	idx    int
	err    error
	closed bool
}

// NewMockBatchResultIterator creates an iterator that yields the given items.
func NewMockBatchResultIterator(items []BatchResultItem) *MockBatchResultIterator {
	return &MockBatchResultIterator{
		items: items,
		idx:   -1,
	}
}

// NewMockBatchResultIteratorWithError creates an iterator that fails after
// yielding the given items.
func NewMockBatchResultIteratorWithError(items []BatchResultItem, err error) *MockBatchResultIterator {
	return &MockBatchResultIterator{
		items: items,
		idx:   -1,
		err:   err,
	}
}

func (m *MockBatchResultIterator) Next() bool {
	if m.idx+1 < len(m.items) {
		m.idx++
		return true
	}
	return false
}

func (m *MockBatchResultIterator) Item() BatchResultItem {
	return m.items[m.idx]
}

func (m *MockBatchResultIterator) Err() error {
	if m.idx+1 >= len(m.items) {
		return m.err
	}
	return nil
}

func (m *MockBatchResultIterator) Close() error {
	m.closed = true
	return nil
}

func TestSDKTypeConversion_toSDKMessages(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
	}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMsgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMsgs[1].Role)
}

func TestSDKTypeConversion_toSDKSystemBlocks(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "You are a careful research assistant."},
		{Text: "Respond with JSON only."},
	}

	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 2)
	assert.Equal(t, "You are a careful research assistant.", sdkBlocks[0].Text)
	assert.Equal(t, "Respond with JSON only.", sdkBlocks[1].Text)
}

func TestSDKTypeConversion_fromSDKBatch(t *testing.T) {
	b := &sdk.MessageBatch{
		ID:               "msgbatch_1",
		ProcessingStatus: sdk.MessageBatchProcessingStatusEnded,
		ResultsURL:       "https://example.test/results",
		RequestCounts: sdk.MessageBatchRequestCounts{
			Succeeded: 3,
			Errored:   1,
		},
	}

	got := fromSDKBatch(b)
	assert.Equal(t, "msgbatch_1", got.ID)
	assert.Equal(t, StatusEnded, got.ProcessingStatus)
	assert.Equal(t, int64(3), got.RequestCounts.Succeeded)
	assert.Equal(t, int64(1), got.RequestCounts.Errored)
}

func TestMessageResponse_Text(t *testing.T) {
	m := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "part one "},
			{Type: "tool_use"},
			{Type: "text", Text: "part two"},
		},
	}
	assert.Equal(t, "part one part two", m.Text())
	assert.Equal(t, "", (&MessageResponse{}).Text())
}
