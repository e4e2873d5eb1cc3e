package actions

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// RoutingTable is the record table RecordRouter writes to.
const RoutingTable = "document_routings"

// Routing is one request to send a document for review.
type Routing struct {
	DocumentID     string   `json:"documentId"`
	Destination    string   `json:"destination"`
	Reviewers      []string `json:"reviewers,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Comment        string   `json:"comment,omitempty"`
	ProgramID      string   `json:"programId,omitempty"`
	RoutedBy       string   `json:"routedBy,omitempty"`
	WorkflowID     string   `json:"workflowId,omitempty"`
	ExecutionID    string   `json:"executionId,omitempty"`
}

// DocumentRouter delivers a routing to the document system.
type DocumentRouter interface {
	Route(ctx context.Context, r Routing) (map[string]any, error)
}

// RecordRouter records routings in a RecordStore for a document service to
// pick up.
type RecordRouter struct {
	store RecordStore
}

// NewRecordRouter creates a router writing to store.
func NewRecordRouter(store RecordStore) *RecordRouter {
	return &RecordRouter{store: store}
}

func (r *RecordRouter) Route(ctx context.Context, rt Routing) (map[string]any, error) {
	reviewers := make([]any, len(rt.Reviewers))
	for i, v := range rt.Reviewers {
		reviewers[i] = v
	}
	rec, err := r.store.Append(ctx, RoutingTable, map[string]any{
		"documentId":     rt.DocumentID,
		"destination":    rt.Destination,
		"reviewers":      reviewers,
		"classification": rt.Classification,
		"comment":        rt.Comment,
		"programId":      rt.ProgramID,
		"routedBy":       rt.RoutedBy,
		"workflowId":     rt.WorkflowID,
		"executionId":    rt.ExecutionID,
		"status":         "pending_review",
	})
	if err != nil {
		return nil, fmt.Errorf("route document %s: %w", rt.DocumentID, err)
	}
	return map[string]any{"routingId": rec.ID, "documentId": rt.DocumentID, "destination": rt.Destination}, nil
}

// RouteDocumentHandler runs route_document actions. The document defaults to
// the execution's document.
type RouteDocumentHandler struct {
	router DocumentRouter
}

// NewRouteDocumentHandler creates a route_document handler.
func NewRouteDocumentHandler(router DocumentRouter) *RouteDocumentHandler {
	return &RouteDocumentHandler{router: router}
}

func (h *RouteDocumentHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.RouteDocumentConfig)
	if !ok {
		return nil, fmt.Errorf("route_document: unexpected config %T", req.Config)
	}
	docID := cfg.DocumentID
	if docID == "" {
		docID = req.Context.DocumentID
	}
	if docID == "" {
		return nil, errors.New("route_document: no document id in config or execution context")
	}
	return h.router.Route(ctx, Routing{
		DocumentID:     docID,
		Destination:    cfg.Destination,
		Reviewers:      slices.Clone(cfg.Reviewers),
		Classification: cfg.Classification,
		Comment:        cfg.Comment,
		ProgramID:      req.Auth.ProgramID,
		RoutedBy:       req.Auth.UserID,
		WorkflowID:     req.WorkflowID,
		ExecutionID:    req.ExecutionID,
	})
}

// UpdateRecordHandler runs update_record actions against a RecordStore.
type UpdateRecordHandler struct {
	store RecordStore
}

// NewUpdateRecordHandler creates an update_record handler.
func NewUpdateRecordHandler(store RecordStore) *UpdateRecordHandler {
	return &UpdateRecordHandler{store: store}
}

func (h *UpdateRecordHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.UpdateRecordConfig)
	if !ok {
		return nil, fmt.Errorf("update_record: unexpected config %T", req.Config)
	}
	op := cfg.Operation
	if op == "" {
		op = workflow.RecordUpsert
		if cfg.RecordID == "" {
			op = workflow.RecordAppend
		}
	}

	var (
		rec Record
		err error
	)
	switch op {
	case workflow.RecordAppend:
		rec, err = h.store.Append(ctx, cfg.Table, cfg.Fields)
	case workflow.RecordUpdate:
		rec, err = h.store.Update(ctx, cfg.Table, cfg.RecordID, cfg.Fields)
	case workflow.RecordUpsert:
		if cfg.RecordID == "" {
			return nil, errors.New("update_record: recordId is required for upsert")
		}
		rec, err = h.store.Upsert(ctx, cfg.Table, cfg.RecordID, cfg.Fields)
	default:
		return nil, fmt.Errorf("update_record: unknown operation %q", op)
	}
	if err != nil {
		return nil, fmt.Errorf("update_record %s: %w", cfg.Table, err)
	}
	return map[string]any{"recordId": rec.ID, "table": rec.Table, "operation": string(op)}, nil
}
