package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/humastar"
	"github.com/joeblew999/plat-explore/internal/service"
)

// EventHandler streams explorer changes to a Datastar UI via SSE and
// accepts selections posted as Datastar signals.
type EventHandler struct {
	humastar.Handler
	svc *Services
}

// NewEventHandler creates a new event handler.
func NewEventHandler(svc *Services) *EventHandler {
	return &EventHandler{svc: svc}
}

func (h *EventHandler) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/events",
		Summary:     "Stream explorer events",
		Tags:        []string{"events"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Datastar server-sent events",
				Content:     map[string]*huma.MediaType{"text/event-stream": {Schema: &huma.Schema{Type: huma.TypeString}}},
			},
		},
	}, h.Events)
	huma.Register(api, huma.Operation{
		OperationID: "post-selection-signals",
		Method:      http.MethodPost,
		Path:        "/api/v1/selection/signals",
		Summary:     "Apply a selection from Datastar signals",
		Tags:        []string{"events"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Datastar signal patch of the new selection",
				Content:     map[string]*huma.MediaType{"text/event-stream": {Schema: &huma.Schema{Type: huma.TypeString}}},
			},
		},
	}, h.PostSignals)
}

// Events sends the current state, then one signal patch and one
// "explore-changed" DOM event per bus event, until the client leaves.
func (h *EventHandler) Events(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	if h.svc == nil || h.svc.Explorer == nil || h.svc.Bus == nil {
		return nil, huma.Error503ServiceUnavailable("Explorer not available")
	}
	ex, bus := h.svc.Explorer, h.svc.Bus
	return h.Stream(func(sse humastar.SSE) {
		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)

		sse.Signals(stateSignals(ex))
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				sse.Signals(stateSignals(ex))
				sse.Event("explore-changed", eventDetail(ev))
			}
		}
	}), nil
}

// PostSignals applies the category, label, sheet, strataId, q and time
// signals and answers with the resulting state. Without category and label
// the active type is kept. The animate signal starts or stops the time
// animation; with wait set the answer follows the end of the triggered load.
func (h *EventHandler) PostSignals(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	if h.svc == nil || h.svc.Explorer == nil {
		return nil, huma.Error503ServiceUnavailable("Explorer not available")
	}
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	ex := h.svc.Explorer
	var q *string
	if signals.Has("q") {
		v := signals.String("q")
		q = &v
	}
	category, label := signals.String("category"), signals.String("label")
	if category == "" && label == "" {
		cur := ex.Selector().Current().Type
		category, label = cur.Category, cur.Label
	}
	applyErr := applySelection(ctx, ex, category, label, signals.String("sheet"),
		signals.String("strataId"), q, signals.String("time"))

	if applyErr == nil && signals.Has("animate") {
		// A list (or true) starts the animation, false stops it.
		if values := signals.Strings("animate"); len(values) > 0 || signals.Bool("animate") {
			applyErr = ex.StartAnimation(values)
		} else {
			ex.StopAnimation()
		}
	}

	var waitErr error
	if applyErr == nil && signals.Bool("wait") {
		if err := ex.Wait(ctx); err != nil && ctx.Err() != nil {
			waitErr = err
		}
	}

	return h.Stream(func(sse humastar.SSE) {
		switch {
		case applyErr != nil:
			sse.Error(applyErr.Error())
		case waitErr != nil:
			sse.Error("load did not finish: " + waitErr.Error())
		default:
			sse.Signals(stateSignals(ex))
		}
	}), nil
}

func stateSignals(ex *explore.Explorer) map[string]any {
	sel := selectionBody(ex)
	anim := ex.Animation()
	return map[string]any{
		"state":     sel.State,
		"category":  sel.Type.Category,
		"label":     sel.Type.Label,
		"sheet":     sel.Sheet,
		"strataId":  sel.Strata.ID,
		"q":         sel.Location.Q,
		"time":      sel.Time,
		"status":    sel.Status,
		"error":     sel.Error,
		"total":     sel.Total,
		"maxValue":  sel.MaxValue,
		"animating": anim.Active,
	}
}

func eventDetail(ev service.Event) map[string]any {
	return map[string]any{
		"kind":   ev.Kind,
		"type":   ev.Type,
		"sheet":  ev.Sheet,
		"status": ev.Status,
		"detail": ev.Detail,
	}
}
