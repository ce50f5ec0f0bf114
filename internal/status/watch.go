package status

import (
	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
)

// Watcher drives the runtime state machine from notification session events.
type Watcher struct {
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	done    chan struct{}
	unsub   func()
}

func NewWatcher(m *Machine, b *bus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{
		machine: m,
		bus:     b,
		logger:  logger.Named("status"),
		done:    make(chan struct{}),
	}
}

// Start subscribes to session events and applies the matching transitions.
func (w *Watcher) Start() {
	ch, unsub := w.bus.Subscribe("ns.", 64)
	w.unsub = unsub
	go w.loop(ch)
}

func (w *Watcher) Stop() {
	if w.unsub != nil {
		w.unsub()
	}
	close(w.done)
}

func (w *Watcher) loop(ch <-chan bus.Event) {
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			w.apply(evt)
		}
	}
}

func (w *Watcher) apply(evt bus.Event) {
	var to State
	switch evt.Kind {
	case bus.KindSignedIn:
		to = Online
	case bus.KindSignedOff, bus.KindAuthError:
		to = SignedOut
	default:
		return
	}
	if err := w.machine.Transition(to); err != nil {
		w.logger.Debug("state transition skipped",
			zap.String("event", evt.Kind),
			zap.String("current", string(w.machine.Current())),
			zap.Error(err))
	}
}
