package env

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// #region action
// Action is one of the five remediation steps an agent can take.
type Action int

const (
	ImputeMissing Action = iota
	Deduplicate
	Rollback
	OptimizeIndexing
	ReconfigureQueryPlan

	NumActions = 5
)

var actionNames = [NumActions]string{"Impute", "Deduplicate", "Rollback", "Index", "Plan"}

// Valid reports whether a is one of the enumerated actions.
func (a Action) Valid() bool {
	return a >= 0 && a < NumActions
}

// String returns the short name written to the agent log.
func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseAction accepts either a numeric id or a short name.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if s == name {
			return Action(i), nil
		}
	}
	if id, err := strconv.Atoi(s); err == nil {
		a := Action(id)
		if !a.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidAction, id)
		}
		return a, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Actions lists every action in id order.
func Actions() []Action {
	out := make([]Action, NumActions)
	for i := range out {
		out[i] = Action(i)
	}
	return out
}
// #endregion action

// #region history
// HistoryLen is the number of recent steps tracked in the observation.
const HistoryLen = 5

// History is a fixed-capacity ring of action markers. Only Push writes to it,
// so every slot is always 0 or 1.
type History struct {
	slots [HistoryLen]float64
	head  int // index of the oldest slot
}

// HistoryFrom builds a history from oldest-to-newest slot values.
// Any non-zero value is stored as 1.
func HistoryFrom(v [HistoryLen]float64) History {
	var h History
	for i, x := range v {
		if x != 0 {
			h.slots[i] = 1
		}
	}
	return h
}

// Push drops the oldest marker and records that an action was taken.
func (h *History) Push() {
	h.slots[h.head] = 1
	h.head = (h.head + 1) % HistoryLen
}

// Slots returns the markers ordered oldest to newest.
func (h History) Slots() [HistoryLen]float64 {
	var out [HistoryLen]float64
	for i := range out {
		out[i] = h.slots[(h.head+i)%HistoryLen]
	}
	return out
}

// Newest returns the most recent marker.
func (h History) Newest() float64 {
	return h.slots[(h.head+HistoryLen-1)%HistoryLen]
}
// #endregion history

// #region state
// StateDim is the length of the observation vector.
const StateDim = 3 + HistoryLen

// State is the observation an agent sees.
type State struct {
	MissingPct   float64
	AnomalyCount float64
	QueryLatency float64
	History      History
}

// Vector flattens the state as [missing, anomalies, latency, history...].
func (s State) Vector() [StateDim]float64 {
	var v [StateDim]float64
	v[0] = s.MissingPct
	v[1] = s.AnomalyCount
	v[2] = s.QueryLatency
	h := s.History.Slots()
	copy(v[3:], h[:])
	return v
}

// StateFromVector is the inverse of Vector.
func StateFromVector(v [StateDim]float64) State {
	var h [HistoryLen]float64
	copy(h[:], v[3:])
	return State{
		MissingPct:   v[0],
		AnomalyCount: v[1],
		QueryLatency: v[2],
		History:      HistoryFrom(h),
	}
}

// MarshalJSON encodes the state as its flat vector.
func (s State) MarshalJSON() ([]byte, error) {
	v := s.Vector()
	return json.Marshal(v[:])
}

// UnmarshalJSON decodes a flat vector of exactly StateDim values.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != StateDim {
		return fmt.Errorf("state vector has %d values, want %d", len(raw), StateDim)
	}
	var v [StateDim]float64
	copy(v[:], raw)
	*s = StateFromVector(v)
	return nil
}
// #endregion state

// #region info
// Info is the side channel reported with every step.
type Info struct {
	AnomalyPresent  bool `json:"anomaly_present"`
	AnomalyResolved bool `json:"anomaly_resolved"`
	RecoveryTime    int  `json:"recovery_time"` // 0 until the anomaly is resolved
	Uptime          bool `json:"uptime"`
}

// StepResult is the outcome of one Step call.
type StepResult struct {
	State      State
	Reward     float64
	Terminated bool
	Truncated  bool
	Info       Info
}
// #endregion info
