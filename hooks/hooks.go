// Package hooks provides an event subscription mechanism for engine
// lifecycle, manifest and WAL events.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Engine lifecycle events.
	EventPostEngineOpen  EventType = "PostEngineOpen"
	EventPreEngineClose  EventType = "PreEngineClose"
	EventPostEngineClose EventType = "PostEngineClose"
	EventOnEngineFailure EventType = "OnEngineFailure"

	// Replication events.
	EventPostManifestSwap EventType = "PostManifestSwap"
	EventPostCommit       EventType = "PostCommit"

	// WAL events.
	EventPostWALRotate EventType = "PostWALRotate"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives triggered events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event fires.
	// Returning an error from a "Pre" hook cancels the operation; errors
	// from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower numbers are executed first.
	Priority() int
	// IsAsync indicates whether the listener runs asynchronously for
	// Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// EngineLifecyclePayload carries shard identity for lifecycle events.
type EngineLifecyclePayload struct {
	Shard string
}

func NewPostEngineOpenEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostEngineOpen, payload: payload}
}

func NewPreEngineCloseEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreEngineClose, payload: payload}
}

func NewPostEngineCloseEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostEngineClose, payload: payload}
}

// EngineFailurePayload carries the reason an engine marked itself failed.
type EngineFailurePayload struct {
	Shard  string
	Reason string
	Err    error
}

func NewOnEngineFailureEvent(payload EngineFailurePayload) HookEvent {
	return &BaseEvent{eventType: EventOnEngineFailure, payload: payload}
}

// ManifestSwapPayload describes a reader swap from one manifest generation
// to another.
type ManifestSwapPayload struct {
	Shard         string
	OldGeneration uint64
	NewGeneration uint64
}

func NewPostManifestSwapEvent(payload ManifestSwapPayload) HookEvent {
	return &BaseEvent{eventType: EventPostManifestSwap, payload: payload}
}

// CommitPayload describes adoption of a new last-committed manifest.
type CommitPayload struct {
	Shard      string
	Generation uint64
	SeqNo      uint64
}

func NewPostCommitEvent(payload CommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCommit, payload: payload}
}

// WALRotatePayload describes a WAL generation rotation.
type WALRotatePayload struct {
	OldGeneration uint64
	NewGeneration uint64
	NewPath       string
}

func NewPostWALRotateEvent(payload WALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks are always synchronous so they can cancel the operation.
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
