package monitor

import (
	"context"
	"fmt"
	"time"

	"bridge-core/internal/events"

	"github.com/rs/zerolog/log"
)

// Monitor watches the bus, keeps metrics current and raises operator alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Warn().Msg("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}
	stream, unsub := m.Bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				m.observe(ev)
			}
		}
	}()
}

func (m *Monitor) observe(ev events.Event) {
	if m.Metrics != nil {
		m.Metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	}

	switch e := ev.(type) {
	case events.CustodyLocked:
		m.setCustody(false)
	case events.SignedOut:
		m.setCustody(false)
	case events.ServiceDegraded:
		if m.Metrics != nil {
			m.Metrics.SetBreakerOpen(e.Service, e.Degraded)
		}
		if e.Degraded {
			m.alert(fmt.Sprintf("%s degraded: %s", e.Service, e.Detail))
		}
	case events.WithdrawalStalled:
		m.alert(fmt.Sprintf("withdrawal %s of %d from %s stalled for %s; reconcile manually",
			e.Nonce, e.Amount, e.FromAddress, e.Age.Round(time.Second)))
	case events.CreditLimitBreached:
		m.alert(fmt.Sprintf("credit session %s of %s over limit: used %d + in bets %d > %d",
			e.SessionID, e.Address, e.UsedCredit, e.LockedInBets, e.CreditLimit))
	case events.SessionSettled:
		if e.NetPnL != e.LocalPnL {
			m.alert(fmt.Sprintf("credit session %s settled at %d, local view was %d", e.SessionID, e.NetPnL, e.LocalPnL))
		}
	}
}

func (m *Monitor) setCustody(unlocked bool) {
	if m.Metrics == nil {
		return
	}
	if unlocked {
		m.Metrics.CustodyState.Set(1)
		return
	}
	m.Metrics.CustodyState.Set(0)
}

// MarkUnlocked is called by the API after a successful unlock.
func (m *Monitor) MarkUnlocked() {
	m.setCustody(true)
}

func (m *Monitor) alert(msg string) {
	if err := m.Sink.Send(formatAlert(msg)); err != nil {
		log.Error().Err(err).Msg("alert delivery failed")
	}
}

func formatAlert(msg string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + msg
}
