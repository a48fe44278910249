// Package openapi describes the invocation endpoint as an OpenAPI document and
// validates request bodies against the indexed operation schemas.
package openapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// InvokeOperationID identifies the table action invocation operation.
const InvokeOperationID = "invokeTableAction"

// MaxInvocationRecords bounds the records array of a bulk invocation.
const MaxInvocationRecords = 1000

// base64url without padding.
const identityPattern = `^[A-Za-z0-9_-]+$`

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// ValidationError describes a schema validation error. Field is a dot path
// into the body, empty for errors about the body as a whole.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of the operations of one document, keyed by
// operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// NewIndex validates doc and indexes its operations.
func NewIndex(ctx context.Context, doc *openapi3.T) (*Index, error) {
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{doc: doc, operations: make(map[string]IndexedOperation)}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			params := make([]*openapi3.Parameter, 0, len(pathItem.Parameters)+len(op.Parameters))
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}
	return idx, nil
}

// NewInvocationIndex indexes the invocation document for the given path.
func NewInvocationIndex(ctx context.Context, path, version string) (*Index, error) {
	return NewIndex(ctx, InvocationDocument(path, version))
}

// Document returns the indexed document.
func (idx *Index) Document() *openapi3.T {
	return idx.doc
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns all indexed operation IDs, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest validates a decoded JSON body against the operation's
// request schema. It returns nil when the body is valid.
func (idx *Index) ValidateRequest(operationID string, body any) []ValidationError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	err := ct.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return validationErrors(err)
}

func validationErrors(err error) []ValidationError {
	var out []ValidationError
	var collect func(error)
	collect = func(err error) {
		switch e := err.(type) {
		case openapi3.MultiError:
			for _, inner := range e {
				collect(inner)
			}
		case *openapi3.SchemaError:
			out = append(out, ValidationError{
				Field:   strings.Join(e.JSONPointer(), "."),
				Message: e.Reason,
			})
		default:
			out = append(out, ValidationError{Message: err.Error()})
		}
	}
	collect(err)
	return out
}

// InvocationRequestSchema is the body schema of an invocation.
func InvocationRequestSchema() *openapi3.Schema {
	identity := func() *openapi3.Schema {
		return openapi3.NewStringSchema().WithMinLength(1).WithPattern(identityPattern)
	}
	return openapi3.NewObjectSchema().
		WithProperty("table", identity()).
		WithProperty("name", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("action", identity()).
		WithProperty("records", openapi3.NewArraySchema().
			WithItems(openapi3.NewOneOfSchema(
				openapi3.NewStringSchema().WithMinLength(1),
				openapi3.NewIntegerSchema(),
			)).
			WithMaxItems(MaxInvocationRecords)).
		WithProperty("params", openapi3.NewObjectSchema().WithAnyAdditionalProperties()).
		WithRequired([]string{"table", "name", "action"}).
		WithoutAdditionalProperties()
}

// InvocationResponseSchema is the JSON response envelope of an invocation.
func InvocationResponseSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("success", openapi3.NewBoolSchema()).
		WithProperty("redirect_url", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithRequired([]string{"success"})
}

func errorSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewObjectSchema().
			WithProperty("code", openapi3.NewStringSchema()).
			WithProperty("message", openapi3.NewStringSchema()).
			WithProperty("details", openapi3.NewArraySchema().WithItems(
				openapi3.NewObjectSchema().
					WithProperty("field", openapi3.NewStringSchema()).
					WithProperty("code", openapi3.NewStringSchema()).
					WithProperty("message", openapi3.NewStringSchema()),
			)).
			WithProperty("trace_id", openapi3.NewStringSchema()).
			WithRequired([]string{"code", "message"}))
}

// InvocationDocument describes the invocation endpoint at path.
func InvocationDocument(path, version string) *openapi3.T {
	errResponse := func(desc string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(desc).WithJSONSchema(errorSchema())}
	}

	op := openapi3.NewOperation()
	op.OperationID = InvokeOperationID
	op.Summary = "Invoke a table action through a signed callback"
	op.AddParameter(openapi3.NewQueryParameter("token").
		WithRequired(true).
		WithSchema(openapi3.NewStringSchema().WithMinLength(1)))
	op.AddParameter(openapi3.NewQueryParameter("record").
		WithSchema(openapi3.NewStringSchema()))
	op.AddParameter(openapi3.NewHeaderParameter("X-Idempotency-Key").
		WithSchema(openapi3.NewStringSchema()))
	op.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
		WithRequired(true).
		WithJSONSchema(InvocationRequestSchema())}
	op.Responses = openapi3.NewResponses(
		openapi3.WithStatus(200, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Action executed").
			WithJSONSchema(InvocationResponseSchema())}),
		openapi3.WithStatus(303, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Action executed; redirect for non-JSON callers")}),
		openapi3.WithStatus(401, errResponse("No valid session")),
		openapi3.WithStatus(403, errResponse("Invalid callback or action not permitted")),
		openapi3.WithStatus(409, errResponse("Idempotency key reused with a different body")),
		openapi3.WithStatus(422, errResponse("Malformed invocation body")),
		openapi3.WithStatus(429, errResponse("Rate limit exceeded")),
		openapi3.WithStatus(500, errResponse("Unresolvable table or operation")),
	)

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Table actions",
			Version: version,
		},
		Paths: openapi3.NewPaths(openapi3.WithPath(path, &openapi3.PathItem{Post: op})),
	}
}
