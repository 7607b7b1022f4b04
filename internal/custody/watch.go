package custody

import (
	"context"
	"time"
)

// Watch enforces both timers proactively so expiry is observed without a caller.
func (m *Manager) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			evs := m.expireLocked(m.clock.Now())
			m.mu.Unlock()
			m.flush(evs)
		}
	}
}
