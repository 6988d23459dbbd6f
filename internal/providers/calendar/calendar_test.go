package calendar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractOnlineMeetingID_Decoded(t *testing.T) {
	id, ok := ExtractOnlineMeetingID("https://teams.microsoft.com/l/meetup-join/19:meeting_abc123@thread.v2/0")
	assert.True(t, ok)
	assert.Equal(t, "19:meeting_abc123@thread.v2", id)
}

func TestExtractOnlineMeetingID_Encoded(t *testing.T) {
	id, ok := ExtractOnlineMeetingID("https://teams.microsoft.com/l/meetup-join/19%3ameeting_abc123%40thread.v2/0")
	assert.True(t, ok)
	assert.Equal(t, "19:meeting_abc123@thread.v2", id)
}

func TestExtractOnlineMeetingID_NotFound(t *testing.T) {
	_, ok := ExtractOnlineMeetingID("https://example.com/not-a-meeting-link")
	assert.False(t, ok)
}
