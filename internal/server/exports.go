package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
)

var artifactTypes = map[string]string{
	domain.ExportPDF:   "application/pdf",
	domain.ExportHTML:  "text/html; charset=utf-8",
	domain.ExportEmail: "text/html; charset=utf-8",
}

func registerExports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-draft",
		Method:      http.MethodPost,
		Path:        "/handover/draft/{id}/export",
		Summary:     "Render a signed handover to pdf, html or email",
		Description: "Returns 201 for a new export and 200 when an identical request was already served within the idempotency window.",
		Tags:        []string{"exports"},
		Errors:      append(append([]int{}, transitionErrors...), http.StatusInternalServerError),
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ExportRequest `json:"body"`
	}) (*struct {
		Status int
		Body   ExportResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Export(ctx, actor, input.ID, engine.ExportOptions{
			Format:         input.Body.ExportType,
			Recipients:     input.Body.Recipients,
			Regenerate:     input.Body.Regenerate,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   ExportResponse `json:"body"`
		}{Status: status, Body: ExportResponse{Export: res.Export, Created: res.Created, Delivery: res.Delivery}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exports",
		Method:      http.MethodGet,
		Path:        "/handover/draft/{id}/exports",
		Summary:     "Export ledger of a draft",
		Tags:        []string{"exports"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body []domain.Export `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListExports(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Export `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-delivery",
		Method:        http.MethodPost,
		Path:          "/handover/export/{id}/retry-delivery",
		Summary:       "Hand an email export to the mail relay again",
		Tags:          []string{"exports"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.DeliveryAttempt `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attempt, err := e.RetryDelivery(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliveryAttempt `json:"body"`
		}{Body: attempt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/handover/export/{id}/deliveries",
		Summary:     "Delivery attempts of an email export",
		Tags:        []string{"exports"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.DeliveryAttempt `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDeliveries(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeliveryAttempt `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-export",
		Method:      http.MethodGet,
		Path:        "/handover/export/{id}/artifact",
		Summary:     "Download a rendered export",
		Tags:        []string{"exports"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		DocumentHash       string `header:"X-Document-Hash"`
		Body               []byte
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rc, exp, err := e.OpenArtifact(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, handleError(err)
		}
		ext := exp.ExportType
		if ext == domain.ExportEmail {
			ext = "html"
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			DocumentHash       string `header:"X-Document-Hash"`
			Body               []byte
		}{
			ContentType:        artifactTypes[exp.ExportType],
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", "handover-"+exp.DraftID+"."+ext),
			DocumentHash:       exp.DocumentHash,
			Body:               data,
		}, nil
	})
}
