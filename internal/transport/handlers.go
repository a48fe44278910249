package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/dispatch"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/query"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// TableResolver resolves a registered table by identity.
type TableResolver interface {
	Resolve(ctx context.Context, id string) (*table.Table, error)
}

// Renderer assembles the render result of a table.
type Renderer interface {
	Assemble(ctx context.Context, t *table.Table, p query.Params) (*model.TableResult, error)
}

// Invoker dispatches a signed action invocation.
type Invoker interface {
	Dispatch(ctx context.Context, req dispatch.Request) (model.InvocationResponse, error)
}

// fail logs err at the level its status calls for and writes it.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := StatusFor(err)
	log := observability.RequestLogger(r.Context(), logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("request refused", zap.Int("status", status), zap.Error(err))
	}
	WriteError(w, err)
}

func handleRender(tables TableResolver, renderer Renderer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := tables.Resolve(r.Context(), chi.URLParam(r, "table"))
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		result, err := renderer.Assemble(r.Context(), t, query.ParseParams(r.URL.Path, r.URL.Query()))
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleInvoke(invoker Invoker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				fail(w, r, logger, model.NewBadRequestError("Request body is too large."))
				return
			}
			fail(w, r, logger, model.NewBadRequestError("Request body could not be read."))
			return
		}

		resp, err := invoker.Dispatch(r.Context(), dispatch.Request{
			Token:          r.URL.Query().Get("token"),
			Record:         r.URL.Query().Get("record"),
			Body:           body,
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		})
		if err != nil {
			fail(w, r, logger, err)
			return
		}

		if WantsJSON(r) {
			WriteJSON(w, http.StatusOK, resp)
			return
		}
		http.Redirect(w, r, RedirectTarget(r, resp.RedirectURL), http.StatusSeeOther)
	}
}

func handleSchema(doc any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, doc)
	}
}
