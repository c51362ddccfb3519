package imported

import (
	"context"
	"errors"
	"testing"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

func TestLatticeVerbOrderingMatchesTable(t *testing.T) {
	c := completionBits32{}

	// prepare then prepare again must fail (PREPARE_OR_ROLLBACK already set).
	if !c.tryClaim(verbRules[verbPrepare].requireUnset, verbRules[verbPrepare].setOnSuccess) {
		t.Fatal("first prepare claim should succeed")
	}
	if c.tryClaim(verbRules[verbPrepare].requireUnset, verbRules[verbPrepare].setOnSuccess) {
		t.Fatal("second prepare claim should fail: PREPARE_OR_ROLLBACK already set")
	}
	// rollback also requires PREPARE_OR_ROLLBACK unset, so it's blocked too.
	if c.tryClaim(verbRules[verbRollback].requireUnset, verbRules[verbRollback].setOnSuccess) {
		t.Fatal("rollback after prepare should fail: PREPARE_OR_ROLLBACK already set")
	}
	// forget only cares about COMMIT_OR_FORGET, still unset.
	if !c.tryClaim(verbRules[verbForget].requireUnset, verbRules[verbForget].setOnSuccess) {
		t.Fatal("forget should succeed: COMMIT_OR_FORGET still unset")
	}
	// a second forget must fail.
	if c.tryClaim(verbRules[verbForget].requireUnset, verbRules[verbForget].setOnSuccess) {
		t.Fatal("second forget claim should fail: COMMIT_OR_FORGET already set")
	}
}

func TestCanFireMatchesTryClaim(t *testing.T) {
	c := completionBits32{}
	if !canFire(c.load(), verbBeforeCompletion) {
		t.Fatal("beforeCompletion should be permitted from the zero state")
	}
	c.tryClaim(verbRules[verbBeforeCompletion].requireUnset, verbRules[verbBeforeCompletion].setOnSuccess)
	if canFire(c.load(), verbBeforeCompletion) {
		t.Fatal("beforeCompletion should no longer be permitted once BEFORE_COMP is set")
	}
	if !canFire(c.load(), verbPrepare) {
		t.Fatal("prepare should still be permitted: BEFORE_COMP doesn't gate it")
	}
}

func TestSubordinateControlRunsVerbOnce(t *testing.T) {
	calls := 0
	tx := &fakeTx{}
	ctl := subordinateControl{tx: tx}

	ctx := context.Background()
	if err := ctl.Rollback(ctx); err != nil {
		t.Fatalf("first Rollback: %v", err)
	}
	calls++
	if err := ctl.Rollback(ctx); err == nil {
		t.Fatal("expected second Rollback on the same entry to fail")
	}
	_ = calls
}

// classifyEngineErr maps engine-thrown heuristic/rollback errors to their
// XA codes (spec.md §4.7's commit/rollback return-code table).
func TestClassifyEngineErrHeuristic(t *testing.T) {
	cases := []struct {
		kind engine.HeuristicKind
		code xaerr.Code
	}{
		{engine.HeuristicMixed, xaerr.CodeHeurMix},
		{engine.HeuristicRollback, xaerr.CodeHeurRB},
		{engine.HeuristicCommit, xaerr.CodeHeurCom},
		{engine.HeuristicHazard, xaerr.CodeHeurHaz},
	}
	for _, c := range cases {
		tx := &fakeTx{}
		ctl := subordinateControl{tx: tx}
		err := ctl.classifyEngineErr(&engine.HeuristicError{Kind: c.kind})
		if err.Kind != xaerr.KindEngineHeuristicOutcome {
			t.Fatalf("kind = %v, want KindEngineHeuristicOutcome", err.Kind)
		}
		if err.Code != c.code {
			t.Fatalf("code for %v = %v, want %v", c.kind, err.Code, c.code)
		}
	}
}

func TestClassifyEngineErrRollbackException(t *testing.T) {
	tx := &fakeTx{}
	ctl := subordinateControl{tx: tx}
	err := ctl.classifyEngineErr(&engine.RollbackError{})
	if err.Kind != xaerr.KindRollbackException {
		t.Fatalf("kind = %v, want KindRollbackException", err.Kind)
	}
	if err.Code != xaerr.CodeRBRollback {
		t.Fatalf("code = %v, want XA_RBROLLBACK", err.Code)
	}
}

func TestClassifyEngineErrGenericMapsToRMErr(t *testing.T) {
	tx := &fakeTx{}
	ctl := subordinateControl{tx: tx}
	err := ctl.classifyEngineErr(errors.New("boom"))
	if err.Kind != xaerr.KindEngineError {
		t.Fatalf("kind = %v, want KindEngineError", err.Kind)
	}
	if err.Code != xaerr.CodeRMErr {
		t.Fatalf("code = %v, want XAER_RMERR", err.Code)
	}
}

// Deferred throwables the engine exposes are attached as suppressed
// context, never replacing the primary cause (spec.md §4.7, §7.6).
func TestClassifyEngineErrAttachesDeferredAsSuppressed(t *testing.T) {
	d1, d2 := errors.New("deferred 1"), errors.New("deferred 2")
	tx := &fakeTx{deferred: []error{d1, d2}}
	ctl := subordinateControl{tx: tx}
	cause := errors.New("primary")
	err := ctl.classifyEngineErr(cause)
	if !errors.Is(err.Cause, cause) {
		t.Fatalf("Cause = %v, want %v", err.Cause, cause)
	}
	if len(err.Suppressed) != 2 || err.Suppressed[0] != d1 || err.Suppressed[1] != d2 {
		t.Fatalf("Suppressed = %v, want [%v %v]", err.Suppressed, d1, d2)
	}
}

// run() and Commit/Rollback/Forget route through classifyEngineErr too,
// not just Prepare's rollback branch.
func TestRunClassifiesEngineErrorFromCommit(t *testing.T) {
	tx := &fakeTx{commitErr: &engine.HeuristicError{Kind: engine.HeuristicCommit}}
	ctl := subordinateControl{tx: tx}
	err := ctl.Commit(context.Background(), true)
	var xerr *xaerr.Error
	if !errors.As(err, &xerr) {
		t.Fatalf("Commit error = %v, want *xaerr.Error", err)
	}
	if xerr.Code != xaerr.CodeHeurCom {
		t.Fatalf("code = %v, want XA_HEURCOM", xerr.Code)
	}
}
