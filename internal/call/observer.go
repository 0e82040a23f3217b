package call

import "github.com/voxline/voxline-core/internal/protocol"

// Observer receives session lifecycle notifications. Implementations must be
// safe for concurrent use; sessions running in parallel share one observer.
type Observer interface {
	OnSessionState(ev protocol.SessionEvent)
	OnTurn(ev protocol.TurnEvent)
	OnSessionDone(out Outcome)
}

type nopObserver struct{}

func (nopObserver) OnSessionState(protocol.SessionEvent) {}
func (nopObserver) OnTurn(protocol.TurnEvent)            {}
func (nopObserver) OnSessionDone(Outcome)                {}

// NopObserver discards all notifications.
func NopObserver() Observer { return nopObserver{} }

type multiObserver []Observer

// MultiObserver fans notifications out to every observer in order.
func MultiObserver(obs ...Observer) Observer {
	filtered := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

func (m multiObserver) OnSessionState(ev protocol.SessionEvent) {
	for _, o := range m {
		o.OnSessionState(ev)
	}
}

func (m multiObserver) OnTurn(ev protocol.TurnEvent) {
	for _, o := range m {
		o.OnTurn(ev)
	}
}

func (m multiObserver) OnSessionDone(out Outcome) {
	for _, o := range m {
		o.OnSessionDone(out)
	}
}
