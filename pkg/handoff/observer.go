package handoff

import (
	"sync"

	"github.com/fleetkit/handoff/pkg/artifact"
	"github.com/fleetkit/handoff/pkg/db"
)

// Observer receives session changes as they happen.
type Observer interface {
	OnPhase(s *db.Session)
	OnProgress(p artifact.Progress)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Phase    func(s *db.Session)
	Progress func(p artifact.Progress)
}

func (f ObserverFuncs) OnPhase(s *db.Session) {
	if f.Phase != nil {
		f.Phase(s)
	}
}

func (f ObserverFuncs) OnProgress(p artifact.Progress) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(ob Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, ob)
}

func (o *observers) phase(s *db.Session) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ob := range o.list {
		snapshot := *s
		ob.OnPhase(&snapshot)
	}
}

func (o *observers) progress(p artifact.Progress) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ob := range o.list {
		ob.OnProgress(p)
	}
}
