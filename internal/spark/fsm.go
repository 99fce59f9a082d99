package spark

import "github.com/fabricd/fabricd/pkg/model"

// transitionTable is the §4.2 adjacency transition table. Any (state, event)
// pair absent from it is a protocol error: the caller must log it and leave
// the neighbor in its current state rather than treat a missing cell as IDLE.
var transitionTable = map[model.NeighState]map[model.NeighEvent]model.NeighState{
	model.NeighIdle: {
		model.EvHelloRcvdInfo:   model.NeighWarm,
		model.EvHelloRcvdNoInfo: model.NeighWarm,
	},
	model.NeighWarm: {
		model.EvHelloRcvdInfo: model.NeighNegotiate,
	},
	model.NeighNegotiate: {
		model.EvHandshakeRcvd:        model.NeighEstablished,
		model.EvNegotiateTimerExpire: model.NeighWarm,
	},
	model.NeighEstablished: {
		model.EvHelloRcvdNoInfo:      model.NeighIdle,
		model.EvHelloRcvdRestart:     model.NeighRestart,
		model.EvHandshakeRcvd:        model.NeighEstablished,
		model.EvHeartbeatRcvd:        model.NeighEstablished,
		model.EvHeartbeatTimerExpire: model.NeighIdle,
	},
	model.NeighRestart: {
		model.EvHelloRcvdInfo: model.NeighEstablished,
		model.EvGrTimerExpire: model.NeighIdle,
	},
}

// applyEvent looks up the next state for (from, ev). ok is false for any
// cell the table leaves blank, in which case the caller must log a protocol
// error and leave the neighbor in its current state, per §4.2.
func applyEvent(from model.NeighState, ev model.NeighEvent) (to model.NeighState, ok bool) {
	row, present := transitionTable[from]
	if !present {
		return from, false
	}
	next, present := row[ev]
	if !present {
		return from, false
	}
	return next, true
}
