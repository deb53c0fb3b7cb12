package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchkeeper/internal/domain"
)

var testBuckets = map[string]string{
	"ENG-01":  domain.BucketEngineering,
	"ENG-02":  domain.BucketEngineering,
	"DECK-04": domain.BucketDeck,
	"INT-01":  domain.BucketInterior,
}

func TestKeywordClassify(t *testing.T) {
	k := NewKeyword(testBuckets)
	out, err := k.Classify(context.Background(), Request{Text: "Generator two tripping on high load"})
	require.NoError(t, err)
	assert.Equal(t, "ENG-02", out.PrimaryDomain)
	assert.Equal(t, domain.BucketEngineering, out.PresentationBucket)
	assert.Equal(t, []string{domain.RiskInformational}, out.RiskTags)
	assert.Equal(t, []string{"chief_engineer"}, out.SuggestedOwnerRoles)
	assert.InDelta(t, 0.7, out.Confidence, 1e-9)
}

func TestKeywordClassifySafetyAddsCaptain(t *testing.T) {
	k := NewKeyword(testBuckets)
	out, err := k.Classify(context.Background(), Request{Text: "Liferaft service expired, extinguisher in crew mess missing"})
	require.NoError(t, err)
	assert.Equal(t, "DECK-04", out.PrimaryDomain)
	require.NotEmpty(t, out.RiskTags)
	assert.Equal(t, domain.RiskComplianceCritical, out.RiskTags[0])

	out, err = k.Classify(context.Background(), Request{Text: "Smoke seen from the main engine exhaust"})
	require.NoError(t, err)
	assert.Equal(t, "ENG-01", out.PrimaryDomain)
	assert.Equal(t, domain.RiskSafetyCritical, out.RiskTags[0])
	assert.Contains(t, out.SuggestedOwnerRoles, "captain")
}

func TestKeywordClassifyOutsideTaxonomy(t *testing.T) {
	k := NewKeyword(testBuckets)
	_, err := k.Classify(context.Background(), Request{Text: "Radar picture drifting"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestKeywordSummarize(t *testing.T) {
	k := NewKeyword(testBuckets)

	one, err := k.Summarize(context.Background(), SummaryRequest{Narratives: []string{"Genset 2 oil change done", "genset 2 oil change done."}})
	require.NoError(t, err)
	assert.Equal(t, "Genset 2 oil change done", one.Text)
	assert.False(t, one.Conflicting)
	assert.Equal(t, domain.ConfidenceHigh, domain.ConfidenceLevel(one.Confidence))

	conflict, err := k.Summarize(context.Background(), SummaryRequest{Narratives: []string{
		"Port stabiliser leak fixed by engineers",
		"Port stabiliser still leaking after repair attempt",
	}})
	require.NoError(t, err)
	assert.True(t, conflict.Conflicting)
	assert.Equal(t, domain.ConfidenceLow, domain.ConfidenceLevel(conflict.Confidence))

	_, err = k.Summarize(context.Background(), SummaryRequest{Narratives: []string{"  "}})
	assert.ErrorIs(t, err, ErrNoMatch)
}

type slowCapability struct{}

func (slowCapability) Classify(ctx context.Context, _ Request) (Classification, error) {
	<-ctx.Done()
	return Classification{}, ctx.Err()
}

func (slowCapability) Summarize(ctx context.Context, _ SummaryRequest) (Summary, error) {
	<-ctx.Done()
	return Summary{}, ctx.Err()
}

type failingCapability struct{ err error }

func (f failingCapability) Classify(context.Context, Request) (Classification, error) {
	return Classification{}, f.err
}

func (f failingCapability) Summarize(context.Context, SummaryRequest) (Summary, error) {
	return Summary{}, f.err
}

func TestGuardTimeoutIsUnavailable(t *testing.T) {
	g := Guard(slowCapability{}, 20*time.Millisecond)
	start := time.Now()
	_, err := g.Classify(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = g.Summarize(context.Background(), SummaryRequest{Narratives: []string{"x"}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuardPreservesNoMatch(t *testing.T) {
	g := Guard(failingCapability{err: ErrNoMatch}, time.Second)
	_, err := g.Classify(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.False(t, errors.Is(err, ErrUnavailable))

	g = Guard(failingCapability{err: errors.New("connection refused")}, time.Second)
	_, err = g.Classify(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain", extractJSON("plain"))
}
