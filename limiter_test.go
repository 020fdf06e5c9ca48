package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPathLimiterParser(t *testing.T) {
	testString := `
/upload
2

# everything under /form
/form/.*

100
`
	limiter, err := ParsePathLimiter(strings.NewReader(testString))
	assert.Nil(t, err)
	assert.Equal(t, 2, limiter.Rules())

	for k := range limiter.rules {
		t.Logf("regexp:%v limits:%v tokens:%v", limiter.rules[k].pattern.String(), limiter.rules[k].limit, limiter.rules[k].tokens)
	}
}

func TestPathLimiterErrors(t *testing.T) {
	_, err := ParsePathLimiter(strings.NewReader("/a\nten\n"))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ParsePathLimiter(strings.NewReader("/a(\n1\n"))
	assert.NotNil(t, err)

	_, err = ParsePathLimiter(strings.NewReader("/a\n"))
	assert.NotNil(t, err)
}

func TestPathLimiterAllow(t *testing.T) {
	limiter, err := ParsePathLimiter(strings.NewReader("^/upload$\n2\n"))
	assert.Nil(t, err)

	assert.True(t, limiter.Allow("/upload"))
	assert.True(t, limiter.Allow("/upload"))
	assert.False(t, limiter.Allow("/upload"))
	assert.True(t, limiter.Allow("/form"), "unmatched paths are admitted")

	// token refresh
	<-time.After(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("/upload"))
	assert.Equal(t, int32(1), limiter.rules[0].tokens)
}
