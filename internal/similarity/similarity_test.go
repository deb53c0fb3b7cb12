package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Port gen-set #2: oil leak, oil pressure LOW. a")
	assert.Equal(t, 2, tokens["oil"])
	assert.Equal(t, 1, tokens["gen-set"])
	assert.Equal(t, 1, tokens["low"])
	_, hasSingle := tokens["a"]
	assert.False(t, hasSingle)
	_, hasTwo := tokens["2"]
	assert.False(t, hasTwo, "single digit tokens are dropped")
}

func TestScoreIdenticalAndDisjoint(t *testing.T) {
	text := "Starboard stabiliser fin actuator leaking hydraulic oil"
	assert.InDelta(t, 1.0, Score(text, text), 1e-9)
	assert.Equal(t, 0.0, Score(text, "Guest cabin TV remote missing"))
	assert.Equal(t, 0.0, Score("", ""))
}

func TestScoreNearDuplicate(t *testing.T) {
	a := "Starboard stabiliser fin actuator leaking hydraulic oil, contractor booked"
	b := "Starboard stabiliser fin actuator leaking hydraulic oil, contractor booked Tuesday"
	assert.GreaterOrEqual(t, Score(a, b), 0.85)
	c := "Starboard stabiliser serviced last month"
	assert.Less(t, Score(a, c), 0.85)
}

func TestClusterTransitiveAndOrdered(t *testing.T) {
	texts := []string{
		"Generator 1 coolant leak at pump seal",
		"Tender jet drive impeller damaged",
		"Generator 1 coolant leak at pump seal observed",
		"Generator 1 coolant leak at pump seal observed again",
		"Crew visa renewal due for two deckhands",
	}
	clusters := Cluster(texts, 0.85)
	require.Len(t, clusters, 3)
	assert.Equal(t, []int{0, 2, 3}, clusters[0])
	assert.Equal(t, []int{1}, clusters[1])
	assert.Equal(t, []int{4}, clusters[2])
}

func TestClusterHighThreshold(t *testing.T) {
	clusters := Cluster([]string{"same text here", "same text here", "other words"}, 0.99)
	require.Len(t, clusters, 2)
	assert.Equal(t, []int{0, 1}, clusters[0])
}
