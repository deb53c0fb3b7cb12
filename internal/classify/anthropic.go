package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"watchkeeper/internal/domain"
	"watchkeeper/internal/telemetry"
)

const (
	defaultModel      = "claude-3-5-haiku-latest"
	defaultMaxRetries = 3
	defaultMaxTokens  = 1024
)

var errAPIKeyRequired = errors.New("API key required")

type AnthropicOptions struct {
	APIKey         string
	Model          string
	MaxRetries     int
	InitialBackoff time.Duration
	// Domains maps taxonomy codes to their display names and buckets.
	Domains map[string]domain.DomainInfo
}

// Anthropic is a model-backed capability.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	classifyTmpl   *template.Template
	summarizeTmpl  *template.Template
	maxRetries     int
	initialBackoff time.Duration
	domains        map[string]domain.DomainInfo
}

// NewAnthropic creates the client. ANTHROPIC_API_KEY takes precedence over opts.APIKey.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	apiKey := opts.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or classifier.api_key", errAPIKeyRequired)
	}
	if len(opts.Domains) == 0 {
		return nil, errors.New("taxonomy required")
	}
	classifyTmpl, err := template.New("classify").Parse(classifyPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse classify template: %w", err)
	}
	summarizeTmpl, err := template.New("summarize").Parse(summarizePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse summarize template: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	aiMetricsOnce.Do(initAIMetrics)
	return &Anthropic{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:          anthropic.Model(model),
		classifyTmpl:   classifyTmpl,
		summarizeTmpl:  summarizeTmpl,
		maxRetries:     retries,
		initialBackoff: initial,
		domains:        opts.Domains,
	}, nil
}

type promptDomain struct {
	Code   string
	Name   string
	Bucket string
}

func (a *Anthropic) Classify(ctx context.Context, req Request) (Classification, error) {
	var codes []promptDomain
	for code, info := range a.domains {
		codes = append(codes, promptDomain{Code: code, Name: info.Name, Bucket: info.Bucket})
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	var buf bytes.Buffer
	err := a.classifyTmpl.Execute(&buf, map[string]any{
		"Text":     req.Text,
		"Role":     req.AuthorRole,
		"Domains":  codes,
		"RiskTags": []string{domain.RiskSafetyCritical, domain.RiskComplianceCritical, domain.RiskGuestImpacting, domain.RiskCostImpacting, domain.RiskOperationalDebt, domain.RiskInformational},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("render prompt: %w", err)
	}
	raw, err := a.callWithRetry(ctx, "classify", buf.String())
	if err != nil {
		return Classification{}, err
	}
	var out Classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return Classification{}, fmt.Errorf("%w: malformed classifier response: %v", ErrNoMatch, err)
	}
	info, ok := a.domains[out.PrimaryDomain]
	if !ok {
		return Classification{}, fmt.Errorf("%w: unknown domain %q", ErrNoMatch, out.PrimaryDomain)
	}
	out.PresentationBucket = info.Bucket
	out.RiskTags = domain.NormalizeRiskTags(out.RiskTags)
	if len(out.RiskTags) == 0 {
		out.RiskTags = []string{domain.RiskInformational}
	}
	var secondary []string
	for _, code := range out.SecondaryDomains {
		if _, ok := a.domains[code]; ok && code != out.PrimaryDomain {
			secondary = append(secondary, code)
		}
	}
	out.SecondaryDomains = secondary
	out.Confidence = clamp(out.Confidence, 0, 1)
	return out, nil
}

func (a *Anthropic) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	if len(req.Narratives) == 0 {
		return Summary{}, ErrNoMatch
	}
	var buf bytes.Buffer
	if err := a.summarizeTmpl.Execute(&buf, req); err != nil {
		return Summary{}, fmt.Errorf("render prompt: %w", err)
	}
	raw, err := a.callWithRetry(ctx, "summarize", buf.String())
	if err != nil {
		return Summary{}, err
	}
	var out Summary
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return Summary{}, fmt.Errorf("%w: malformed summarizer response: %v", ErrNoMatch, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return Summary{}, fmt.Errorf("%w: empty summary", ErrNoMatch)
	}
	out.Confidence = clamp(out.Confidence, 0, 1)
	return out, nil
}

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("watchkeeper/classify")
	aiMetrics.inputTokens, _ = m.Int64Counter("watchkeeper.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("watchkeeper.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("watchkeeper.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (a *Anthropic) callWithRetry(ctx context.Context, operation, prompt string) (string, error) {
	ctx, span := telemetry.Tracer("watchkeeper/classify").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("watchkeeper.ai.model", string(a.model)),
		attribute.String("watchkeeper.ai.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.maxRetries)), ctx)

	var text string
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		modelAttr := attribute.String("watchkeeper.ai.model", string(a.model))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), metric.WithAttributes(modelAttr))
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: no content blocks", ErrNoMatch))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("%w: unexpected block type %s", ErrNoMatch, content.Type))
		}
		text = content.Text
		return nil
	}, policy)
	span.SetAttributes(attribute.Int("watchkeeper.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrNoMatch) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// extractJSON trims prose or code fences around the first JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

const classifyPromptTemplate = `You classify operational notes written by crew on a superyacht for the handover report.

Note (author role: {{.Role}}):
"""
{{.Text}}
"""

Choose exactly one primary domain code, and any secondary codes, from this taxonomy:
{{range .Domains}}- {{.Code}}: {{.Name}} ({{.Bucket}})
{{end}}
Risk tags, most severe first: {{range $i, $t := .RiskTags}}{{if $i}}, {{end}}{{$t}}{{end}}.

Reply with a single JSON object and nothing else:
{"primary_domain": "...", "secondary_domains": [], "risk_tags": [], "suggested_owner_roles": [], "confidence": 0.0}
confidence is your certainty between 0 and 1.`

const summarizePromptTemplate = `You write one handover line for the {{.Bucket}} section ({{.DomainCode}}) of a superyacht handover report.
Combine the crew notes below into a single factual summary. Do not invent facts. If the notes contradict
each other (for example one says fixed and another says still failing), set "conflicting" to true and
mention both positions.

Notes:
{{range .Narratives}}- {{.}}
{{end}}
Reply with a single JSON object and nothing else:
{"summary": "...", "confidence": 0.0, "conflicting": false}`
