package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenDescription_PlainString(t *testing.T) {
	assert.Equal(t, "plain text", FlattenDescription("plain text"))
}

func TestFlattenDescription_Nil(t *testing.T) {
	assert.Equal(t, "", FlattenDescription(nil))
}

func TestFlattenDescription_DocumentFormat(t *testing.T) {
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "Root cause:"},
					map[string]any{"type": "text", "text": "nil pointer"},
				},
			},
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "in the handler"},
				},
			},
		},
	}
	got := FlattenDescription(doc)
	assert.Contains(t, got, "Root cause:")
	assert.Contains(t, got, "nil pointer")
	assert.Contains(t, got, "in the handler")
}
