package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseConfig(t *testing.T) {
	testString := `
# session settings
idle_timeout 1500S
poll_interval 20

chunk_size 4096
storage_dir /tmp/ingest%20uploads
async_io true
sessions 8`

	config, err := ParseConfig(strings.NewReader(testString))
	assert.Nil(t, err)
	assert.Equal(t, 1500*time.Millisecond, config.IdleTimeout)
	assert.True(t, config.IsolateOnIdle)
	assert.Equal(t, 20*time.Millisecond, config.PollInterval)
	assert.Equal(t, 4096, config.ChunkSize)
	assert.Equal(t, "/tmp/ingest uploads", config.StorageDir)
	assert.True(t, config.AsyncIO)
	assert.Equal(t, 8, config.Sessions)
	assert.NotNil(t, config.Logger)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("idle_timeout 10\nbogus 1\n"))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ParseConfig(strings.NewReader("chunk_size -1"))
	assert.NotNil(t, err)

	_, err = ParseConfig(strings.NewReader("sessions"))
	assert.NotNil(t, err)
}

func TestParseIdleTimeout(t *testing.T) {
	d, isolate, err := ParseIdleTimeout("0")
	assert.Nil(t, err)
	assert.Equal(t, time.Duration(0), d)
	assert.False(t, isolate)

	d, isolate, err = ParseIdleTimeout("250S")
	assert.Nil(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	assert.True(t, isolate)

	_, _, err = ParseIdleTimeout("ten")
	assert.NotNil(t, err)
}
