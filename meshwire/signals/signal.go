package signals

import (
	"reflect"
	"sync"

	"github.com/krew-solutions/meshwire-go/meshwire/disposable"
)

type entry[E any] struct {
	id       any
	observer Observer[E]
}

// SignalImp is notified from worker goroutines (stream driver, sync
// coordinator, auditor), so attach/detach/notify are serialized.
type SignalImp[E any] struct {
	mu        sync.Mutex
	observers []entry[E]
}

func NewSignal[E any]() *SignalImp[E] {
	return &SignalImp[E]{}
}

func (s *SignalImp[E]) Attach(observer Observer[E], observerID ...any) disposable.Disposable {
	id := resolveID(observer, observerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.observers {
		if e.id == id {
			return disposable.NewDisposable(func() {
				s.Detach(observer, id)
			})
		}
	}
	s.observers = append(s.observers, entry[E]{id: id, observer: observer})
	return disposable.NewDisposable(func() {
		s.Detach(observer, id)
	})
}

func (s *SignalImp[E]) Detach(observer Observer[E], observerID ...any) {
	id := resolveID(observer, observerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.observers {
		if e.id == id {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *SignalImp[E]) Notify(event E) {
	s.mu.Lock()
	observers := make([]entry[E], len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, e := range observers {
		e.observer(event)
	}
}

func resolveID[E any](observer Observer[E], observerID []any) any {
	if len(observerID) > 0 {
		return observerID[0]
	}
	return makeID(observer)
}

func makeID[E any](observer Observer[E]) uintptr {
	return reflect.ValueOf(observer).Pointer()
}
