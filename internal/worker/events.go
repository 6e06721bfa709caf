package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"swcache/internal/cache"
)

type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindSync              Kind = "sync"
	KindMessage           Kind = "message"
	KindMessageError      Kind = "messageerror"
	KindNotificationClick Kind = "notificationclick"
)

// Event is one lifecycle event dispatched by the host.
type Event interface {
	Kind() Kind
	extension() *Extendable
}

// Extendable collects work an event handler registers to finish after the
// handler returns. The host must call Wait before treating the event as
// done.
type Extendable struct {
	ctx   context.Context
	spawn func(func())

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewExtendable returns an obligations list whose work runs with a context
// detached from ctx's cancellation. spawn starts each piece of work; nil
// means a plain goroutine.
func NewExtendable(ctx context.Context, spawn func(func())) *Extendable {
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	return &Extendable{ctx: context.WithoutCancel(ctx), spawn: spawn}
}

// WaitUntil starts fn now and keeps the event open until it returns.
func (e *Extendable) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	e.spawn(func() {
		defer e.wg.Done()
		err := runGuarded(func() error { return fn(e.ctx) })
		if err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	})
}

// Wait blocks until every registered obligation finished and returns
// their joined errors.
func (e *Extendable) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

func (e *Extendable) extension() *Extendable { return e }

func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

type InstallEvent struct{ *Extendable }

func NewInstallEvent(ctx context.Context) *InstallEvent {
	return &InstallEvent{NewExtendable(ctx, nil)}
}

func (*InstallEvent) Kind() Kind { return KindInstall }

type ActivateEvent struct{ *Extendable }

func NewActivateEvent(ctx context.Context) *ActivateEvent {
	return &ActivateEvent{NewExtendable(ctx, nil)}
}

func (*ActivateEvent) Kind() Kind { return KindActivate }

// ResponseFunc produces the response for an intercepted request.
type ResponseFunc func(ctx context.Context) (*cache.Entry, cache.Source, error)

type FetchEvent struct {
	*Extendable

	Request  *http.Request
	ClientID string
	// Preload is set when the host started fetching the request before
	// dispatch.
	Preload cache.Preloaded

	mu      sync.Mutex
	respond ResponseFunc
}

func NewFetchEvent(ctx context.Context, r *http.Request, clientID string, spawn func(func())) *FetchEvent {
	return &FetchEvent{Extendable: NewExtendable(ctx, spawn), Request: r, ClientID: clientID}
}

func (*FetchEvent) Kind() Kind { return KindFetch }

// RespondWith takes over the request. Without it the host lets the request
// go to the network untouched.
func (e *FetchEvent) RespondWith(fn ResponseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respond = fn
}

func (e *FetchEvent) Response() (ResponseFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond, e.respond != nil
}

type PushEvent struct {
	*Extendable
	Data []byte
}

func NewPushEvent(ctx context.Context, data []byte, spawn func(func())) *PushEvent {
	return &PushEvent{Extendable: NewExtendable(ctx, spawn), Data: data}
}

func (*PushEvent) Kind() Kind { return KindPush }

type SyncEvent struct {
	*Extendable
	Tag string
}

func NewSyncEvent(ctx context.Context, tag string, spawn func(func())) *SyncEvent {
	return &SyncEvent{Extendable: NewExtendable(ctx, spawn), Tag: tag}
}

func (*SyncEvent) Kind() Kind { return KindSync }

// Port is a dedicated reply channel to one client.
type Port interface {
	PostMessage(msg any) error
}

type MessageEvent struct {
	*Extendable
	// Data is a bare token, a JSON string or a JSON {type, data} object.
	Data   []byte
	Source string
	Ports  []Port
}

func NewMessageEvent(ctx context.Context, data []byte, source string, ports []Port, spawn func(func())) *MessageEvent {
	return &MessageEvent{Extendable: NewExtendable(ctx, spawn), Data: data, Source: source, Ports: ports}
}

func (*MessageEvent) Kind() Kind { return KindMessage }

type MessageErrorEvent struct {
	*Extendable
	Data   []byte
	Source string
}

func NewMessageErrorEvent(ctx context.Context, data []byte, source string, spawn func(func())) *MessageErrorEvent {
	return &MessageErrorEvent{Extendable: NewExtendable(ctx, spawn), Data: data, Source: source}
}

func (*MessageErrorEvent) Kind() Kind { return KindMessageError }

type NotificationClickEvent struct {
	*Extendable
	Action       string
	Notification Notification
}

func NewNotificationClickEvent(ctx context.Context, action string, n Notification, spawn func(func())) *NotificationClickEvent {
	return &NotificationClickEvent{Extendable: NewExtendable(ctx, spawn), Action: action, Notification: n}
}

func (*NotificationClickEvent) Kind() Kind { return KindNotificationClick }
