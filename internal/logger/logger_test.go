package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })

	With("cache").Infof("merged %d candles", 3)
	assert.Contains(t, buf.String(), "component=cache")
	assert.Contains(t, buf.String(), "merged 3 candles")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("warn")
	t.Cleanup(func() {
		SetLevel("info")
		SetOutput(nil)
	})

	Infof("hidden")
	Warnf("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(nil)
	})

	Infof("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestAdvisorExchangeDisabledByDefault(t *testing.T) {
	var buf bytes.Buffer
	SetAdvisorWriter(&buf)
	LogAdvisorExchange("openai", "prompt", "{}")
	assert.Contains(t, buf.String(), "[ADVISOR][openai]")
	SetAdvisorWriter(nil)
	buf.Reset()
	LogAdvisorExchange("openai", "prompt", "{}")
	assert.Empty(t, buf.String())
}
