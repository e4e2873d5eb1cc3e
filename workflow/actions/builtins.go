package actions

import (
	"net/http"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// Dependencies are the collaborators the built-in handlers need. A nil
// member leaves its action type unregistered, except Records which defaults
// to an in-memory store.
type Dependencies struct {
	Notifier   workflow.Notifier
	Router     DocumentRouter
	Records    RecordStore
	Publisher  EventPublisher
	HTTPClient *http.Client
}

// RegisterBuiltins registers a handler for every built-in action type the
// dependencies allow. Custom actions stay with the host.
func RegisterBuiltins(reg *workflow.HandlerRegistry, deps Dependencies) {
	if deps.Records == nil {
		deps.Records = NewMemoryRecordStore()
	}
	if deps.Router == nil {
		deps.Router = NewRecordRouter(deps.Records)
	}

	if deps.Notifier != nil {
		reg.Register(workflow.ActionNotify, NewNotifyHandler(deps.Notifier))
	}
	reg.Register(workflow.ActionRouteDocument, NewRouteDocumentHandler(deps.Router))
	reg.Register(workflow.ActionUpdateRecord, NewUpdateRecordHandler(deps.Records))
	if deps.Publisher != nil {
		reg.Register(workflow.ActionPublishEvent, NewPublishEventHandler(deps.Publisher))
	}
	reg.Register(workflow.ActionWebhook, NewWebhookHandler(deps.HTTPClient))
	reg.Register(workflow.ActionTransform, NewTransformHandler())
}
