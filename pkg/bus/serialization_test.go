package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeData(t *testing.T) {
	fields, err := EncodeData(&TaskMessage{Content: "Do X", TaskID: "t1"})
	require.NoError(t, err)

	raw, ok := fields["data"].(string)
	require.True(t, ok, "writers must emit the data-field form")
	assert.JSONEq(t, `{"content":"Do X","task_id":"t1"}`, raw)
}

func TestDecodeBothWireConventions(t *testing.T) {
	t.Run("data blob form", func(t *testing.T) {
		msg := Message{ID: "1-0", Values: map[string]interface{}{
			"data": `{"content":"Do X","task_id":"t1"}`,
		}}

		var task TaskMessage
		require.NoError(t, msg.Decode(&task))
		assert.Equal(t, "Do X", task.Content)
		assert.Equal(t, "t1", task.TaskID)
	})

	t.Run("flattened fields form", func(t *testing.T) {
		msg := Message{ID: "1-0", Values: map[string]interface{}{
			"content": "Do X",
			"task_id": "t1",
		}}

		var task TaskMessage
		require.NoError(t, msg.Decode(&task))
		assert.Equal(t, "Do X", task.Content)
		assert.Equal(t, "t1", task.TaskID)
	})

	t.Run("data field wins when both could apply", func(t *testing.T) {
		msg := Message{ID: "1-0", Values: map[string]interface{}{
			"data":    `{"content":"from data"}`,
			"content": "from fields",
		}}

		var task TaskMessage
		require.NoError(t, msg.Decode(&task))
		assert.Equal(t, "from data", task.Content)
	})
}

func TestDecodeDataIsStrict(t *testing.T) {
	t.Run("missing data field", func(t *testing.T) {
		msg := Message{ID: "1-0", Values: map[string]interface{}{"content": "x"}}

		var task TaskMessage
		err := msg.DecodeData(&task)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no data field")
	})

	t.Run("invalid JSON", func(t *testing.T) {
		msg := Message{ID: "1-0", Values: map[string]interface{}{"data": "{broken"}}

		var task TaskMessage
		assert.Error(t, msg.DecodeData(&task))
	})
}
