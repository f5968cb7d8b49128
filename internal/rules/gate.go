package rules

import (
	"sync"
	"time"
)

// deliveryGate suspends webhook deliveries to a target that keeps failing.
// Once limit consecutive deliveries have failed, further attempts are
// skipped until cooldown has passed since the most recent failure. The
// first delivery after the cooldown decides what happens next: a success
// resets the gate, another failure renews the suspension.
type deliveryGate struct {
	mu       sync.Mutex
	limit    int
	cooldown time.Duration

	failures int
	lastFail time.Time
}

func newDeliveryGate(limit int, cooldown time.Duration) *deliveryGate {
	return &deliveryGate{limit: limit, cooldown: cooldown}
}

// suspended reports whether deliveries should currently be skipped.
func (g *deliveryGate) suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures >= g.limit && time.Since(g.lastFail) < g.cooldown
}

func (g *deliveryGate) succeeded() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

func (g *deliveryGate) failed() {
	g.mu.Lock()
	g.failures++
	g.lastFail = time.Now()
	g.mu.Unlock()
}
