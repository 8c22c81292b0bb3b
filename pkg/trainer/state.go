// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
)

// Phase of the training.
type Phase int

const (
	PhaseTraining Phase = iota
	PhaseValidating
	PhaseEarlyStopped
	PhaseConvergedByMaxSteps
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseTraining:
		return "Training"
	case PhaseValidating:
		return "Validating"
	case PhaseEarlyStopped:
		return "EarlyStopped"
	case PhaseConvergedByMaxSteps:
		return "ConvergedByMaxSteps"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Done returns whether the phase is terminal.
func (p Phase) Done() bool {
	return p == PhaseEarlyStopped || p == PhaseConvergedByMaxSteps
}

// Check is the result of one validation.
type Check struct {
	Step     int
	Metric   float64
	Improved bool
}

// TrainingState tracks the early stopping bookkeeping.
//
// The best metric starts at 0, and only a strictly larger metric counts as an improvement.
// Each check that doesn't improve increments Patience, and when it reaches MaxPatience training
// is early stopped.
type TrainingState struct {
	Phase      Phase
	Step       int
	BestMetric float64
	BestStep   int
	Patience   int
	Checks     int
	History    []Check

	MaxSteps, MaxPatience int
}

// NewTrainingState creates the state of a new training.
func NewTrainingState(maxSteps, maxPatience int) *TrainingState {
	return &TrainingState{
		Phase:       PhaseTraining,
		BestStep:    -1,
		MaxSteps:    maxSteps,
		MaxPatience: maxPatience,
	}
}

// StartValidation moves to PhaseValidating at the given step.
func (s *TrainingState) StartValidation(step int) {
	s.Step = step
	if !s.Phase.Done() {
		s.Phase = PhaseValidating
	}
}

// Observe records the validation metric of the current step, and returns whether it is a new best.
// It moves to PhaseEarlyStopped if patience ran out, or back to PhaseTraining otherwise.
func (s *TrainingState) Observe(metric float64) (improved bool) {
	s.Checks++
	improved = metric > s.BestMetric
	if improved {
		s.BestMetric = metric
		s.BestStep = s.Step
		s.Patience = 0
	} else {
		s.Patience++
	}
	s.History = append(s.History, Check{Step: s.Step, Metric: metric, Improved: improved})
	switch {
	case s.Phase.Done():
	case s.MaxPatience > 0 && s.Patience >= s.MaxPatience:
		s.Phase = PhaseEarlyStopped
	default:
		s.Phase = PhaseTraining
	}
	return
}

// Advance records that the given number of steps were trained, and moves to PhaseConvergedByMaxSteps
// if MaxSteps was reached.
func (s *TrainingState) Advance(step int) {
	s.Step = step
	if !s.Phase.Done() && s.MaxSteps > 0 && step >= s.MaxSteps {
		s.Phase = PhaseConvergedByMaxSteps
	}
}

// String implements fmt.Stringer.
func (s *TrainingState) String() string {
	return fmt.Sprintf("%s at step %d: best metric %.4f at step %d, patience %d/%d, %d checks",
		s.Phase, s.Step, s.BestMetric, s.BestStep, s.Patience, s.MaxPatience, s.Checks)
}
