package subscription

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/schema"
)

// Observer receives subscription lifecycle events. Callbacks run while the key is
// locked: they must not call back into the coordinator for the same key.
type Observer interface {
	OnCreated(key schema.Key, method schema.Method)
	OnRemoved(key schema.Key)
	OnError(key schema.Key, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Created func(key schema.Key, method schema.Method)
	Removed func(key schema.Key)
	Error   func(key schema.Key, err error)
}

// OnCreated implements Observer.
func (f *ObserverFuncs) OnCreated(key schema.Key, method schema.Method) {
	if f.Created != nil {
		f.Created(key, method)
	}
}

// OnRemoved implements Observer.
func (f *ObserverFuncs) OnRemoved(key schema.Key) {
	if f.Removed != nil {
		f.Removed(key)
	}
}

// OnError implements Observer.
func (f *ObserverFuncs) OnError(key schema.Key, err error) {
	if f.Error != nil {
		f.Error(key, err)
	}
}

// ObserverID identifies a registration.
type ObserverID string

type eventKind string

const (
	eventCreated eventKind = "created"
	eventRemoved eventKind = "removed"
	eventError   eventKind = "error"
)

type registration struct {
	id       ObserverID
	observer Observer
}

// Observers is the lifecycle fan-out list.
type Observers struct {
	logger  *log.Logger
	metrics *coordinatorMetrics

	mu   sync.RWMutex
	list []registration
}

func newObservers(logger *log.Logger, metrics *coordinatorMetrics) *Observers {
	return &Observers{logger: logger, metrics: metrics}
}

// Add registers an observer and returns its registration id.
func (o *Observers) Add(observer Observer) ObserverID {
	if observer == nil {
		return ""
	}
	id := ObserverID(uuid.NewString())
	o.mu.Lock()
	o.list = append(o.list, registration{id: id, observer: observer})
	o.mu.Unlock()
	return id
}

// Remove unregisters every registration of observer. Observers of non-comparable
// dynamic types cannot be matched by value; use RemoveID for those.
func (o *Observers) Remove(observer Observer) bool {
	if observer == nil || !reflect.TypeOf(observer).Comparable() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := false
	kept := o.list[:0:0]
	for _, reg := range o.list {
		if reflect.TypeOf(reg.observer).Comparable() && reg.observer == observer {
			removed = true
			continue
		}
		kept = append(kept, reg)
	}
	o.list = kept
	return removed
}

// RemoveID unregisters one registration.
func (o *Observers) RemoveID(id ObserverID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, reg := range o.list {
		if reg.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Observers) size() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

func (o *Observers) snapshot() []registration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]registration(nil), o.list...)
}

func (o *Observers) created(key schema.Key, method schema.Method) {
	o.notify(eventCreated, key, func(obs Observer) { obs.OnCreated(key.Clone(), method) })
}

func (o *Observers) removed(key schema.Key) {
	o.notify(eventRemoved, key, func(obs Observer) { obs.OnRemoved(key.Clone()) })
}

func (o *Observers) failed(key schema.Key, err error) {
	o.notify(eventError, key, func(obs Observer) { obs.OnError(key.Clone(), err) })
}

// notify iterates a snapshot so registrations changed during delivery neither skip
// nor double-notify anyone.
func (o *Observers) notify(kind eventKind, key schema.Key, call func(Observer)) {
	for _, reg := range o.snapshot() {
		o.deliver(kind, key, reg, call)
	}
}

func (o *Observers) deliver(kind eventKind, key schema.Key, reg registration, call func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			fault := errs.New(key.Exchange, errs.CodeObserver,
				errs.WithOperation(string(kind)),
				errs.WithKey(key.ID()),
				errs.WithMessage(fmt.Sprint(r)),
				errs.WithField("observer", string(reg.id)))
			o.logger.Printf("observers: warn: callback panicked: %v", fault)
			o.metrics.recordObserverFault(context.Background(), string(kind))
		}
	}()
	call(reg.observer)
}

// LogObserver writes lifecycle events to a logger.
type LogObserver struct {
	Logger *log.Logger
}

// OnCreated implements Observer.
func (l LogObserver) OnCreated(key schema.Key, method schema.Method) {
	if l.Logger != nil {
		l.Logger.Printf("subscription created key=%s method=%s", key.ID(), method)
	}
}

// OnRemoved implements Observer.
func (l LogObserver) OnRemoved(key schema.Key) {
	if l.Logger != nil {
		l.Logger.Printf("subscription removed key=%s", key.ID())
	}
}

// OnError implements Observer.
func (l LogObserver) OnError(key schema.Key, err error) {
	if l.Logger != nil {
		l.Logger.Printf("subscription error key=%s: %v", key.ID(), err)
	}
}
