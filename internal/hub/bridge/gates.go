package bridge

import (
	"time"
)

// Gate kinds.
const (
	GateApproval = "approval"
	GateContext  = "context"
)

// Gate is one outstanding pause request from a worker. The worker stays
// suspended until a response is forwarded or the gate times out.
type Gate struct {
	RequestID  string
	JobID      string
	Kind       string
	ToolCallID string
	CreatedAt  time.Time
	TimeoutAt  time.Time

	timer *time.Timer
}

// gateRegistry tracks pending gates by request id. Not internally
// synchronized: the Bridge serializes all calls under its own lock.
type gateRegistry struct {
	gates map[string]*Gate // requestID -> gate
}

func newGateRegistry() *gateRegistry {
	return &gateRegistry{gates: make(map[string]*Gate)}
}

func (r *gateRegistry) add(g *Gate) {
	r.gates[g.RequestID] = g
}

func (r *gateRegistry) get(requestID string) (*Gate, bool) {
	g, ok := r.gates[requestID]
	return g, ok
}

// remove deletes a gate and stops its timer. Returns the gate, or nil
// when the request id is unknown.
func (r *gateRegistry) remove(requestID string) *Gate {
	g, ok := r.gates[requestID]
	if !ok {
		return nil
	}
	delete(r.gates, requestID)
	if g.timer != nil {
		g.timer.Stop()
	}
	return g
}

// removeByJob cancels every gate belonging to the given job. Used when a
// job terminates with requests still outstanding.
func (r *gateRegistry) removeByJob(jobID string) []*Gate {
	var removed []*Gate
	for id, g := range r.gates {
		if g.JobID == jobID {
			delete(r.gates, id)
			if g.timer != nil {
				g.timer.Stop()
			}
			removed = append(removed, g)
		}
	}
	return removed
}

func (r *gateRegistry) len() int {
	return len(r.gates)
}
