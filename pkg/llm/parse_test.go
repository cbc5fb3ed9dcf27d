package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeDecision struct {
	NextAction   string  `json:"next_action"`
	Reasoning    string  `json:"reasoning"`
	TPConfidence float64 `json:"tp_confidence"`
}

func TestExtractJSONPlainObject(t *testing.T) {
	var d routeDecision
	err := ExtractJSON(`{"next_action": "ENRICH", "reasoning": "new iocs", "tp_confidence": 0.6}`, &d)
	require.NoError(t, err)
	assert.Equal(t, "ENRICH", d.NextAction)
	assert.Equal(t, 0.6, d.TPConfidence)
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is my decision:\n```json\n{\"next_action\": \"VERDICT\", \"tp_confidence\": 0.9}\n```\nLet me know."
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "VERDICT", d.NextAction)
}

func TestExtractJSONFenceWithoutLanguage(t *testing.T) {
	text := "```\n{\"next_action\": \"CLOSE\", \"tp_confidence\": 0.1}\n```"
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "CLOSE", d.NextAction)
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	text := `Based on the evidence I conclude {"next_action": "INVESTIGATE", "reasoning": "need host context", "tp_confidence": 0.5} as the next step.`
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "INVESTIGATE", d.NextAction)
	assert.Equal(t, "need host context", d.Reasoning)
}

func TestExtractJSONRawNewlinesInsideStrings(t *testing.T) {
	text := "{\"next_action\": \"ENRICH\", \"reasoning\": \"line one\nline two\", \"tp_confidence\": 0.4}"
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "line one\nline two", d.Reasoning)
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	text := `prefix {"next_action": "VERDICT", "reasoning": "payload was {malformed}", "tp_confidence": 0.8} suffix`
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "payload was {malformed}", d.Reasoning)
}

func TestExtractJSONNestedObject(t *testing.T) {
	text := `{"next_action": "VERDICT", "reasoning": "done", "tp_confidence": 0.95, "extra": {"a": 1}}`
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, "VERDICT", d.NextAction)
}

func TestExtractJSONEscapedQuotes(t *testing.T) {
	text := `{"next_action": "CLOSE", "reasoning": "rule \"5710\" is noisy", "tp_confidence": 0.2}`
	var d routeDecision
	require.NoError(t, ExtractJSON(text, &d))
	assert.Equal(t, `rule "5710" is noisy`, d.Reasoning)
}

func TestExtractJSONNoObject(t *testing.T) {
	var d routeDecision
	err := ExtractJSON("I cannot produce a decision right now.", &d)
	require.Error(t, err)
}

func TestFirstBalancedObjectUnterminated(t *testing.T) {
	assert.Empty(t, firstBalancedObject(`{"a": {"b": 1}`))
	assert.Empty(t, firstBalancedObject("no braces here"))
}
