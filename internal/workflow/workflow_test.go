package workflow

import (
	"errors"
	"testing"
)

func TestDefaultHasTwelvePhases(t *testing.T) {
	d := Default()
	phases := d.Phases()
	if len(phases) != PhaseCount {
		t.Fatalf("expected %d phases, got %d", PhaseCount, len(phases))
	}
	for i, p := range phases {
		if p.Index != i {
			t.Errorf("phase %d has index %d", i, p.Index)
		}
		if p.Name == "" {
			t.Errorf("phase %d has empty name", i)
		}
		if len(p.Agents) == 0 {
			t.Errorf("phase %d has no agents", i)
		}
	}
}

func TestApprovalPhases(t *testing.T) {
	d := Default()
	wantApproval := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 11: true}

	for i := 0; i < PhaseCount; i++ {
		got := d.RequiresApproval(i)
		want := wantApproval[i]
		if got != want {
			t.Errorf("phase %d: RequiresApproval = %v, want %v", i, got, want)
		}
	}
}

func TestPhase4ValidationGates(t *testing.T) {
	d := Default()
	gates := d.ValidationGates(4)
	if len(gates) != 5 {
		t.Fatalf("phase 4 should declare 5 validation gates, got %d", len(gates))
	}
	for i := 0; i < PhaseCount; i++ {
		if i != 4 && len(d.ValidationGates(i)) != 0 {
			t.Errorf("phase %d should not declare validation gates", i)
		}
	}
}

func TestParallelGroup(t *testing.T) {
	d := Default()
	p9, _ := d.Phase(9)
	p10, _ := d.Phase(10)
	if p9.ParallelGroup == "" || p9.ParallelGroup != p10.ParallelGroup {
		t.Errorf("phases 9 and 10 must share a parallel group, got %q and %q", p9.ParallelGroup, p10.ParallelGroup)
	}
	p11, _ := d.Phase(11)
	if p11.ParallelGroup != "" {
		t.Errorf("phase 11 must not be in a parallel group")
	}
	if d.JoinTarget() != 11 {
		t.Errorf("join target = %d, want 11", d.JoinTarget())
	}
}

func TestTransitionTable(t *testing.T) {
	d := Default()

	cases := []struct {
		from   int
		reason Reason
		want   int
	}{
		{0, ReasonApproved, 1},
		{1, ReasonApproved, 2},
		{2, ReasonApproved, 3},
		{2, ReasonCostTooHigh, 2},
		{2, ReasonMajorChanges, 1},
		{3, ReasonApproved, 4},
		{4, ReasonValidationPassed, 5},
		{4, ReasonValidationFailed, 4},
		{5, ReasonDeploySucceeded, 6},
		{5, ReasonDeployRejected, PhaseRollback},
		{5, ReasonDeployFailed, PhaseEscalation},
		{6, ReasonValidationPassed, 7},
		{7, ReasonComplete, 8},
		{8, ReasonComplete, 9},
		{11, ReasonComplete, PhaseEnd},
	}

	for _, tc := range cases {
		got, err := d.Next(tc.from, tc.reason)
		if err != nil {
			t.Errorf("Next(%d, %s): unexpected error %v", tc.from, tc.reason, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Next(%d, %s) = %d, want %d", tc.from, tc.reason, got, tc.want)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	d := Default()

	_, err := d.Next(0, ReasonComplete)
	if err == nil {
		t.Fatal("expected error for invalid transition")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %T", err)
	}
	if invalid.From != 0 || invalid.Reason != ReasonComplete {
		t.Errorf("error fields = (%d, %s)", invalid.From, invalid.Reason)
	}

	// Phase 9 has no direct outgoing edge; the join is handled by the
	// controller when both siblings complete.
	if _, err := d.Next(9, ReasonComplete); err == nil {
		t.Error("phase 9 should have no direct transition edge")
	}
}

func TestFanOut(t *testing.T) {
	d := Default()
	if !d.IsFanOut(8, ReasonComplete) {
		t.Error("8 on complete should fan out")
	}
	if d.IsFanOut(7, ReasonComplete) {
		t.Error("7 on complete should not fan out")
	}
	sibs := d.ParallelSiblings()
	if len(sibs) != 2 || sibs[0] != 9 || sibs[1] != 10 {
		t.Errorf("parallel siblings = %v, want [9 10]", sibs)
	}
}
