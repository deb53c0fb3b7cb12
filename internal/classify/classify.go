// Package classify holds the classification and summarization capability used
// by the entry store and the draft assembler.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchkeeper/internal/metrics"
)

var (
	// ErrUnavailable means the capability could not be reached or did not answer in time.
	ErrUnavailable = errors.New("classifier unavailable")
	// ErrNoMatch means the capability answered but could not place the text in the taxonomy.
	ErrNoMatch = errors.New("no confident classification")
)

type Request struct {
	VesselID   string
	Text       string
	AuthorRole string
}

type Classification struct {
	PrimaryDomain       string   `json:"primary_domain"`
	SecondaryDomains    []string `json:"secondary_domains"`
	PresentationBucket  string   `json:"presentation_bucket"`
	RiskTags            []string `json:"risk_tags"`
	SuggestedOwnerRoles []string `json:"suggested_owner_roles"`
	Confidence          float64  `json:"confidence"`
}

type SummaryRequest struct {
	VesselID   string
	DomainCode string
	Bucket     string
	Narratives []string
}

type Summary struct {
	Text        string  `json:"summary"`
	Confidence  float64 `json:"confidence"`
	Conflicting bool    `json:"conflicting"`
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Classification, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (Summary, error)
}

// Capability is the full external contract consumed by the engine.
type Capability interface {
	Classifier
	Summarizer
}

type guarded struct {
	next    Capability
	timeout time.Duration
}

// Guard bounds every call by timeout, records metrics, and folds transport
// failures and deadline overruns into ErrUnavailable.
func Guard(c Capability, timeout time.Duration) Capability {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return guarded{next: c, timeout: timeout}
}

func (g guarded) Classify(ctx context.Context, req Request) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.next.Classify(ctx, req)
	err = normalize(ctx, err)
	metrics.RecordClassifierCall("classify", err)
	return out, err
}

func (g guarded) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.next.Summarize(ctx, req)
	err = normalize(ctx, err)
	metrics.RecordClassifierCall("summarize", err)
	return out, err
}

func normalize(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoMatch) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
