package gradesync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildReplaceResult(t *testing.T) {
	now := time.Unix(1700000000, 0)

	body := BuildReplaceResult("abc", 0.9, now)

	assert.Contains(t, body, "<sourcedId>abc</sourcedId>")
	assert.Contains(t, body, "<textString>0.9</textString>")
	assert.Contains(t, body, "<imsx_messageIdentifier>1700000000</imsx_messageIdentifier>")
	assert.Contains(t, body, "replaceResultRequest")
}

func TestBuildReplaceResultGradeFormatting(t *testing.T) {
	now := time.Unix(0, 0)

	tests := []struct {
		grade float64
		want  string
	}{
		{0, "<textString>0</textString>"},
		{1, "<textString>1</textString>"},
		{0.5, "<textString>0.5</textString>"},
		{0.3333333333333333, "<textString>0.3333333333333333</textString>"},
	}

	for _, tt := range tests {
		body := BuildReplaceResult("s", tt.grade, now)
		assert.Contains(t, body, tt.want)
	}
}

func TestBuildReplaceResultEscapesSourceID(t *testing.T) {
	body := BuildReplaceResult(`a<b>&c`, 1, time.Unix(0, 0))

	assert.Contains(t, body, "<sourcedId>a&lt;b&gt;&amp;c</sourcedId>")
	assert.False(t, strings.Contains(body, "<sourcedId>a<b>"))
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess("<imsx_codeMajor>success</imsx_codeMajor>"))
	assert.True(t, IsSuccess("SUCCESS"))
	assert.True(t, IsSuccess("partial Success response"))
	assert.False(t, IsSuccess("<imsx_codeMajor>failure</imsx_codeMajor>"))
	assert.False(t, IsSuccess(""))
}
