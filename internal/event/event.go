// A collection of event names and common methods used to handle the events,
// typically redirecting the handling to a stage or global orchestrator
// method via the `Handler` interface. Grounded on the teacher's event bus
// (the original internal/event/event.go), kept near-verbatim for its
// dispatch/registration mechanics and adapted from Thea's ingest/transcode
// vocabulary to the event surface spec §6 names.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/pkg/logger"
)

var log = logger.Get("EventBus")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

// Event surface emitted to callers, per spec §6.
const (
	// ProgressChanged carries a ProgressPayload whenever a stage's progress
	// tracker decides (per its throttling policy) that a completion should
	// be surfaced.
	ProgressChanged Event = "stage:progress_changed"

	// StatusChanged carries a StatusPayload whenever a Per-Stage
	// Orchestrator transitions state.
	StatusChanged Event = "stage:status_changed"

	// ServiceCompleted carries a ServiceCompletedPayload when a single
	// Per-Stage Orchestrator reaches Stopped.
	ServiceCompleted Event = "stage:completed"

	// AllServicesCompleted carries no payload (nil); emitted by the Global
	// Orchestrator once every admitted stage has completed.
	AllServicesCompleted Event = "global:all_completed"

	// QueueCountsChanged carries a QueueCountsPayload after any change to
	// the pending counts the Global Orchestrator tracks.
	QueueCountsChanged Event = "global:queue_counts_changed"
)

// ProgressPayload is the payload for ProgressChanged.
type ProgressPayload struct {
	Stage     model.Stage
	Current   int64
	Total     int64
	Remaining int64
	Skipped   int64
	ETA       time.Duration
}

// StatusPayload is the payload for StatusChanged.
type StatusPayload struct {
	Stage     model.Stage
	Text      string
	IsRunning bool
	IsPaused  bool
}

// ServiceCompletedPayload is the payload for ServiceCompleted.
type ServiceCompletedPayload struct {
	Stage model.Stage
}

// QueueCountsPayload is the payload for QueueCountsChanged: the current
// pending-item count per stage, as last observed by the Global
// Orchestrator's admission pass.
type QueueCountsPayload struct {
	Pending map[model.Stage]int64
}

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is provided to the 'Dispatch' method.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
// The speed at which this handle runs is not important to the event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

// registerHandlerMethod is the internal implementation for both RegisterHandlerFunction and
// RegisterAsyncHandlerFunction.
func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and dispatches the payload to the handlers
// registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is of the type the named event
// declares it carries. An error is returned (and the dispatch aborted) if not.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case ProgressChanged:
		if _, ok := payload.(ProgressPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ProgressPayload", payloadTypeName, event)
		}
		return nil
	case StatusChanged:
		if _, ok := payload.(StatusPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected StatusPayload", payloadTypeName, event)
		}
		return nil
	case ServiceCompleted:
		if _, ok := payload.(ServiceCompletedPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ServiceCompletedPayload", payloadTypeName, event)
		}
		return nil
	case QueueCountsChanged:
		if _, ok := payload.(QueueCountsPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected QueueCountsPayload", payloadTypeName, event)
		}
		return nil
	case AllServicesCompleted:
		return nil
	}

	return errors.New("event type not recognized for validation")
}
