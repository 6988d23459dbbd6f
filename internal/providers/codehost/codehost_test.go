package codehost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractIssueKeys(t *testing.T) {
	text := "Fixes PROJ-123 and also touches ABC-9, duplicate PROJ-123 ignored; lowercase proj-1 not matched"
	got := ExtractIssueKeys(text)
	assert.Equal(t, []string{"PROJ-123", "ABC-9"}, got)
}

func TestExtractIssueKeys_None(t *testing.T) {
	assert.Nil(t, ExtractIssueKeys("no keys here"))
}
