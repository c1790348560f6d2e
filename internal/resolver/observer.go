package resolver

import "time"

// Observer receives resolver events. Implementations must be cheap and
// must not block; they run on the resolving goroutine.
type Observer interface {
	SourceAttempt(source string, elapsed time.Duration, err error)
	SourceTransition(tr Transition)
	Resolved(identifier string, result ValueResult)
}

// Observers fans events out to several observers.
type Observers []Observer

// SourceAttempt implements Observer.
func (o Observers) SourceAttempt(source string, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.SourceAttempt(source, elapsed, err)
	}
}

// SourceTransition implements Observer.
func (o Observers) SourceTransition(tr Transition) {
	for _, obs := range o {
		obs.SourceTransition(tr)
	}
}

// Resolved implements Observer.
func (o Observers) Resolved(identifier string, result ValueResult) {
	for _, obs := range o {
		obs.Resolved(identifier, result)
	}
}

type nopObserver struct{}

func (nopObserver) SourceAttempt(string, time.Duration, error) {}
func (nopObserver) SourceTransition(Transition)                 {}
func (nopObserver) Resolved(string, ValueResult)                {}

var (
	_ Observer = Observers(nil)
	_ Observer = nopObserver{}
)
