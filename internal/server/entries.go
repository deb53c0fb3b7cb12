package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"watchkeeper/internal/classify"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
)

type entryPath struct {
	ID string `path:"id"`
}

type entryBody struct {
	Body EntryResponse `json:"body"`
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/handover/entry",
		Summary:       "Record a handover entry",
		Tags:          []string{"entries"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateEntryRequest `json:"body"`
	}) (*entryBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntryCreateOptions{
			Narrative:  input.Body.NarrativeText,
			SourceRefs: input.Body.SourceReferences,
		}
		if h := input.Body.Classification; h != nil {
			opts.Hint = &classify.Classification{
				PrimaryDomain:    h.PrimaryDomain,
				SecondaryDomains: h.SecondaryDomains,
				RiskTags:         h.RiskTags,
				Confidence:       h.Confidence,
			}
		}
		entry, err := e.CreateEntry(ctx, actor, opts)
		pending := false
		if err != nil {
			var cu engine.ClassificationUnavailableError
			if !errors.As(err, &cu) || entry.ID == "" {
				return nil, handleError(err)
			}
			pending = true
		}
		return &entryBody{Body: EntryResponse{Entry: entry, ClassificationPending: pending}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/handover/entry",
		Summary:     "List entries for the caller's vessel",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"candidate,suppressed,resolved"`
		Flagged string `query:"flagged" enum:"true,false"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Entry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntryListOptions{Status: input.Status, Limit: normalizeLimit(input.Limit)}
		if input.Flagged != "" {
			flagged := input.Flagged == "true"
			opts.Flagged = &flagged
		}
		items, err := e.ListEntries(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Entry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/handover/entry/{id}",
		Summary:     "Get an entry",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*entryBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.GetEntry(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &entryBody{Body: EntryResponse{Entry: entry}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-entry",
		Method:      http.MethodPost,
		Path:        "/handover/entry/{id}/confirm",
		Summary:     "Confirm a candidate entry for the next handover",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *entryPath) (*entryBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.ConfirmEntry(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &entryBody{Body: EntryResponse{Entry: entry}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-entry",
		Method:      http.MethodPost,
		Path:        "/handover/entry/{id}/dismiss",
		Summary:     "Dismiss a candidate entry",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *DismissEntryRequest `json:"body,omitempty" required:"false"`
	}) (*entryBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		entry, err := e.DismissEntry(ctx, actor, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &entryBody{Body: EntryResponse{Entry: entry}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "flag-entry-classification",
		Method:        http.MethodPost,
		Path:          "/handover/entry/{id}/flag-classification",
		Summary:       "Dispute an entry's classification",
		Tags:          []string{"entries"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body FlagClassificationRequest `json:"body"`
	}) (*struct {
		Body domain.ClassificationCorrection `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		corr, err := e.FlagClassification(ctx, actor, input.ID, engine.CorrectionRequest{
			RequestedDomain: input.Body.RequestedDomain,
			Reason:          input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClassificationCorrection `json:"body"`
		}{Body: corr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entry-corrections",
		Method:      http.MethodGet,
		Path:        "/handover/entry/{id}/corrections",
		Summary:     "List classification disputes for an entry",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body []domain.ClassificationCorrection `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCorrections(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ClassificationCorrection `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-entry",
		Method:      http.MethodPost,
		Path:        "/handover/entry/{id}/classify",
		Summary:     "Classify an entry that has no domain yet",
		Tags:        []string{"entries"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *ClassifyEntryRequest `json:"body,omitempty" required:"false"`
	}) (*entryBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.AssignOptions
		if b := input.Body; b != nil {
			opts = engine.AssignOptions{Domain: b.PrimaryDomain, SecondaryDomains: b.SecondaryDomains, RiskTags: b.RiskTags}
		}
		entry, err := e.AssignClassification(ctx, actor, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &entryBody{Body: EntryResponse{Entry: entry}}, nil
	})
}
