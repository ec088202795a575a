package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// ShutdownGate fails readiness once shutdown starts so the load balancer
// stops routing new requests while in-flight ones finish. The zero value is
// open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

// Closed reports whether Set has been called since the last Clear.
func (g *ShutdownGate) Closed() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
