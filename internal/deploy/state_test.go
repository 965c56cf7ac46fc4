package deploy

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	cases := []struct {
		name string
		from State
		ev   Event
		want State
		err  bool
	}{
		{"idle accepts request", StateIdle, EventRequest, StatePreparing, false},
		{"preparing advances", StatePreparing, EventPrepared, StateDeploying, false},
		{"deploying succeeds", StateDeploying, EventSucceed, StateDeployed, false},
		{"deploying fails", StateDeploying, EventFail, StateFailed, false},
		{"deployed accepts redeploy", StateDeployed, EventRequest, StatePreparing, false},
		{"failed accepts retry", StateFailed, EventRequest, StatePreparing, false},
		{"deployed rolls back", StateDeployed, EventRollback, StateIdle, false},
		{"failed rolls back", StateFailed, EventRollback, StateIdle, false},

		{"idle rejects prepared", StateIdle, EventPrepared, StateIdle, true},
		{"idle rejects rollback", StateIdle, EventRollback, StateIdle, true},
		{"preparing rejects fail", StatePreparing, EventFail, StatePreparing, true},
		{"deploying rejects rollback", StateDeploying, EventRollback, StateDeploying, true},
		{"deployed rejects succeed", StateDeployed, EventSucceed, StateDeployed, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.from, tc.ev)
			if tc.err {
				if err == nil {
					t.Fatalf("Next(%s, %s) = %s, want error", tc.from, tc.ev, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next(%s, %s): %v", tc.from, tc.ev, err)
			}
			if got != tc.want {
				t.Fatalf("Next(%s, %s) = %s, want %s", tc.from, tc.ev, got, tc.want)
			}
		})
	}
}

func TestNextConflictOnBlockingStates(t *testing.T) {
	for _, s := range []State{StatePreparing, StateDeploying} {
		_, err := Next(s, EventRequest)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("Next(%s, request) = %v, want ErrConflict", s, err)
		}
	}
}

func TestNextUnknownState(t *testing.T) {
	_, err := Next(State("bogus"), EventRequest)
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("unknown state must not be reported as a conflict")
	}
}

func TestBlocking(t *testing.T) {
	blocking := map[State]bool{
		StateIdle:      false,
		StatePreparing: true,
		StateDeploying: true,
		StateDeployed:  false,
		StateFailed:    false,
	}
	for s, want := range blocking {
		if got := s.Blocking(); got != want {
			t.Errorf("%s.Blocking() = %v, want %v", s, got, want)
		}
	}
}

func TestEdgesCoversEveryAdmittingState(t *testing.T) {
	edges := Edges(EventRequest)
	want := map[State]State{
		StateIdle:     StatePreparing,
		StateDeployed: StatePreparing,
		StateFailed:   StatePreparing,
	}
	if len(edges) != len(want) {
		t.Fatalf("Edges(request) has %d entries, want %d: %v", len(edges), len(want), edges)
	}
	for from, to := range want {
		if edges[from] != to {
			t.Errorf("Edges(request)[%s] = %s, want %s", from, edges[from], to)
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range []State{StateIdle, StatePreparing, StateDeploying, StateDeployed, StateFailed} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("half-deployed").Valid() {
		t.Error("unknown state should not be valid")
	}
}
