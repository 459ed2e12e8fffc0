// Package orchestration provides the durable, resumable state machine that drives the
// five-stage content pipeline: state management, error classification, backoff,
// recovery and the executor itself.
package orchestration

import "fmt"

// Phase is the coarse position of a run in the pipeline state machine.
type Phase string

// Phase constants in pipeline order. PhaseError is reachable from any non-terminal phase.
const (
	PhaseInitializing Phase = "initializing"
	PhaseResearching  Phase = "researching"
	PhaseIdeating     Phase = "ideating"
	PhaseCritiquing   Phase = "critiquing"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseWriting      Phase = "writing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

var phaseOrder = []Phase{
	PhaseInitializing,
	PhaseResearching,
	PhaseIdeating,
	PhaseCritiquing,
	PhaseAnalyzing,
	PhaseWriting,
	PhaseCompleted,
}

var phaseProgress = map[Phase]int{
	PhaseInitializing: 0,
	PhaseResearching:  20,
	PhaseIdeating:     40,
	PhaseCritiquing:   60,
	PhaseAnalyzing:    80,
	PhaseWriting:      95,
	PhaseCompleted:    100,
}

// Rank returns the position of the phase in the total order, or -1 for PhaseError
// and unknown values.
func (p Phase) Rank() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p == PhaseError || p.Rank() >= 0
}

// Terminal reports whether no further stage work happens in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Progress returns the fixed completion percentage for a phase. The second return
// value is false for PhaseError, whose progress is frozen at its previous value.
func (p Phase) Progress() (int, bool) {
	v, ok := phaseProgress[p]
	return v, ok
}

// Stage is one of the five pipeline steps.
type Stage string

// Stage constants.
const (
	StageResearch Stage = "research"
	StageIdeation Stage = "ideation"
	StageCritique Stage = "critique"
	StageAnalysis Stage = "analysis"
	StageWriting  Stage = "writing"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageResearch, StageIdeation, StageCritique, StageAnalysis, StageWriting}

type stageInfo struct {
	agent    string
	phase    Phase
	next     Phase
	upstream Stage
}

var stageTable = map[Stage]stageInfo{
	StageResearch: {agent: "researcher", phase: PhaseResearching, next: PhaseIdeating},
	StageIdeation: {agent: "ideator", phase: PhaseIdeating, next: PhaseCritiquing, upstream: StageResearch},
	StageCritique: {agent: "critic", phase: PhaseCritiquing, next: PhaseAnalyzing, upstream: StageIdeation},
	StageAnalysis: {agent: "analyst", phase: PhaseAnalyzing, next: PhaseWriting, upstream: StageCritique},
	StageWriting:  {agent: "writer", phase: PhaseWriting, next: PhaseCompleted, upstream: StageAnalysis},
}

// ParseStage converts a string into a Stage, rejecting unknown names.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, s)
	}
	return st, nil
}

// Valid reports whether s is one of the five known stages.
func (s Stage) Valid() bool {
	_, ok := stageTable[s]
	return ok
}

// Agent returns the worker name responsible for the stage.
func (s Stage) Agent() string {
	return stageTable[s].agent
}

// Phase returns the phase entered when the stage starts.
func (s Stage) Phase() Phase {
	return stageTable[s].phase
}

// NextPhase returns the phase reached once the stage output is merged.
func (s Stage) NextPhase() Phase {
	return stageTable[s].next
}

// Upstream returns the stage whose output this stage consumes. The second return
// value is false for the first stage.
func (s Stage) Upstream() (Stage, bool) {
	up := stageTable[s].upstream
	return up, up != ""
}

// Index returns the stage position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// StageForAgent maps an agent name back to its stage.
func StageForAgent(agent string) (Stage, bool) {
	for st, info := range stageTable {
		if info.agent == agent {
			return st, true
		}
	}
	return "", false
}
