package signals

import (
	"github.com/krew-solutions/meshwire-go/meshwire/disposable"
)

type Observer[E any] func(E)

type Signal[E any] interface {
	Attach(observer Observer[E], observerID ...any) disposable.Disposable
	Detach(observer Observer[E], observerID ...any)
	Notify(event E)
}
