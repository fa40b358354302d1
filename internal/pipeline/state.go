package pipeline

import (
	"slices"
	"sync"
)

// State 单个语音片段在流水线中的阶段
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateTranscribing
	StateCorrecting
	StateTranslating
	StateEmitting
)

// String returns the stage name used in status events.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateTranscribing:
		return "transcribing"
	case StateCorrecting:
		return "correcting"
	case StateTranslating:
		return "translating"
	case StateEmitting:
		return "emitting"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:         {StateSpeaking},
	StateSpeaking:     {StateTranscribing, StateIdle},
	StateTranscribing: {StateCorrecting, StateTranslating, StateEmitting, StateIdle},
	StateCorrecting:   {StateTranslating, StateEmitting},
	StateTranslating:  {StateEmitting},
	StateEmitting:     {StateIdle},
}

// StateMachine 片段状态机，每个片段一个
type StateMachine struct {
	mu           sync.Mutex
	currentState State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{currentState: StateIdle}
}

// CanTransition 检查是否可以转换
func (sm *StateMachine) CanTransition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return canTransition(sm.currentState, to)
}

func canTransition(from, to State) bool {
	validTo, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTo, to)
}

// Transition 状态转换
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if canTransition(sm.currentState, to) {
		sm.currentState = to
		return true
	}
	return false
}

// GetCurrentState 获取当前状态
func (sm *StateMachine) GetCurrentState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentState
}
