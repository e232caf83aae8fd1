package disposable

// Disposable releases a previously acquired resource, such as an
// attached observer or an open subscription.
type Disposable interface {
	Dispose()
}

type disposableFunc struct {
	dispose func()
}

func NewDisposable(dispose func()) Disposable {
	return &disposableFunc{dispose: dispose}
}

func (d *disposableFunc) Dispose() {
	if d.dispose != nil {
		d.dispose()
		d.dispose = nil
	}
}
