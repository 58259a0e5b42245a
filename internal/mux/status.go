package mux

import "github.com/sheerbytes/fetchmux/internal/engine"

// Status is one completion seen in the most recent loop iteration.
type Status struct {
	Handle *engine.Easy
	Code   engine.Code
	EOF    bool
}

// Query returns the result code and end-of-transfer flag recorded for h in
// the latest iteration. A handle with no entry yields (engine.CodeOK, false):
// not finished yet, keep polling.
func (m *Mux) Query(h *engine.Easy) (engine.Code, bool) {
	st, _ := m.Lookup(h)
	return st.Code, st.EOF
}

// Lookup is like Query but also reports whether h had an entry.
func (m *Mux) Lookup(h *engine.Easy) (Status, bool) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	for _, st := range m.statuses {
		if st.Handle == h {
			return st, true
		}
	}
	return Status{Handle: h, Code: engine.CodeOK}, false
}

// harvest rebuilds the snapshot from the engine's pending messages.
func (m *Mux) harvest(running int) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	clear(m.statuses)
	m.statuses = m.statuses[:0]
	for {
		msg, ok := m.engine.InfoRead()
		if !ok {
			break
		}
		st := Status{Handle: msg.Easy, Code: msg.Result}
		if msg.Kind == engine.MsgDone {
			if msg.Result == engine.CodeOK {
				st.EOF = true
			}
			m.metrics.recordCompletion(msg.Result)
		} else if running == 0 && msg.Result == engine.CodeOK {
			// Nothing is running yet the message claims the transfer is still
			// in progress. Finish it rather than let the caller poll forever.
			st.EOF = true
			st.Code = engine.CodeOK
			m.metrics.recordForcedEOF()
			m.logger.Warn("assuming abnormal end of transfer", "id", handleID(msg.Easy))
		}
		m.statuses = append(m.statuses, st)
	}
}
