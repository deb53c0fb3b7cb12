package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
)

type draftPath struct {
	ID string `path:"id"`
}

type draftBody struct {
	Body domain.Draft `json:"body"`
}

type itemBody struct {
	Body domain.DraftItem `json:"body"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-draft",
		Method:      http.MethodPost,
		Path:        "/handover/draft/generate",
		Summary:     "Assemble a handover draft, or return the vessel's active one",
		Description: "Returns 201 with a new draft, or 200 with the draft that is already in progress.",
		Tags:        []string{"drafts"},
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *GenerateDraftRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Status int
		Body   DraftResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.GenerateOptions
		if b := input.Body; b != nil {
			opts = engine.GenerateOptions{OutgoingUserID: b.OutgoingUserID, IncomingUserID: b.IncomingUserID}
		}
		d, created, err := e.GenerateDraft(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   DraftResponse `json:"body"`
		}{Status: status, Body: DraftResponse{Draft: d, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/handover/draft",
		Summary:     "List handover drafts for the caller's vessel",
		Tags:        []string{"drafts"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"DRAFT,IN_REVIEW,ACCEPTED,SIGNED,EXPORTED"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Draft `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDrafts(ctx, actor, engine.DraftListOptions{State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Draft `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/handover/draft/{id}",
		Summary:     "Get a draft with its sections, items and sign-off",
		Tags:        []string{"drafts"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*draftBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDraft(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-draft-edits",
		Method:      http.MethodGet,
		Path:        "/handover/draft/{id}/edits",
		Summary:     "Audit trail of review edits",
		Tags:        []string{"drafts"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		ItemID string `query:"item_id"`
	}) (*struct {
		Body []domain.DraftEdit `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edits, err := e.ListEdits(ctx, actor, input.ID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DraftEdit `json:"body"`
		}{Body: nonNilSlice(edits)}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-review",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/review",
		Summary:     "Move a draft into review (DRAFT → IN_REVIEW)",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *VersionedRequest `json:"body,omitempty" required:"false"`
	}) (*draftBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version := 0
		if input.Body != nil {
			version = input.Body.ExpectedVersion
		}
		d, err := e.StartReview(ctx, actor, input.ID, version)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-item",
		Method:      http.MethodPatch,
		Path:        "/handover/draft/{id}/item/{itemId}",
		Summary:     "Edit an item's text during review",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID     string          `path:"id"`
		ItemID string          `path:"itemId"`
		Body   EditItemRequest `json:"body"`
	}) (*itemBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.EditItem(ctx, actor, input.ID, input.ItemID, engine.EditRequest{
			Text:          input.Body.EditedText,
			Reason:        input.Body.EditReason,
			ExpectVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-items",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/merge",
		Summary:     "Merge items of one section into a single item",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body MergeItemsRequest `json:"body"`
	}) (*itemBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.MergeItems(ctx, actor, input.ID, engine.MergeRequest{
			ItemIDs:       input.Body.ItemIDs,
			MergedText:    input.Body.MergedText,
			Reason:        input.Body.Reason,
			ExpectVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "split-item",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/item/{itemId}/split",
		Summary:     "Split an item back into parts by source entry",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID     string           `path:"id"`
		ItemID string           `path:"itemId"`
		Body   SplitItemRequest `json:"body"`
	}) (*struct {
		Body []domain.DraftItem `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		parts := make([]engine.SplitPartition, 0, len(input.Body.Partitions))
		for _, p := range input.Body.Partitions {
			parts = append(parts, engine.SplitPartition{EntryIDs: p.EntryIDs, Text: p.Text})
		}
		items, err := e.SplitItem(ctx, actor, input.ID, input.ItemID, engine.SplitRequest{
			Partitions:    parts,
			Reason:        input.Body.Reason,
			ExpectVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DraftItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-item",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/item/{itemId}/resolve",
		Summary:     "Accept a pre-merged or conflicting item as it stands",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID     string              `path:"id"`
		ItemID string              `path:"itemId"`
		Body   *ResolveItemRequest `json:"body,omitempty" required:"false"`
	}) (*itemBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var req engine.ResolveRequest
		if b := input.Body; b != nil {
			req = engine.ResolveRequest{Note: b.Note, ExpectVersion: b.ExpectedVersion}
		}
		it, err := e.ResolveItem(ctx, actor, input.ID, input.ItemID, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "designate-signatories",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/signatories",
		Summary:     "Name the outgoing and incoming signatories",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SignatoriesRequest `json:"body"`
	}) (*draftBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.DesignateSignatories(ctx, actor, input.ID, engine.SignatoryRequest{
			Outgoing:      input.Body.OutgoingUserID,
			Incoming:      input.Body.IncomingUserID,
			ExpectVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-draft",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/reopen",
		Summary:     "Withdraw acceptance (ACCEPTED → IN_REVIEW)",
		Tags:        []string{"review"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReopenRequest `json:"body"`
	}) (*draftBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Reopen(ctx, actor, input.ID, input.Body.Reason, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})
}

func registerSignoff(api huma.API, e engine.Engine) {
	type confirmInput struct {
		ID   string         `path:"id"`
		Body ConfirmRequest `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "accept-draft",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/accept",
		Summary:     "Outgoing signature (IN_REVIEW → ACCEPTED)",
		Tags:        []string{"sign-off"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *confirmInput) (*draftBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Accept(ctx, actor, input.ID, input.Body.Confirm, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-draft",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/sign",
		Summary:     "Incoming countersignature (ACCEPTED → SIGNED)",
		Description: "Freezes the canonical snapshot and records its SHA-256 as the document hash.",
		Tags:        []string{"sign-off"},
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *confirmInput) (*draftBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Sign(ctx, actor, input.ID, input.Body.Confirm, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftBody{Body: d}, nil
	})
}
