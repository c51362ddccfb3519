package fakepeer

import (
	"context"
	"testing"

	"github.com/stuartwdouglas/wildfly-transaction-client/imported"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// End-to-end smoke test tying TM together with imported.Registry (C6):
// a peer's begin shows up as an import, and completing it locally drives
// the transaction through to COMMITTED.
func TestTMDrivesRegistryImportAndCommit(t *testing.T) {
	tm := NewTM()
	reg := imported.New(tm)

	x := xid.New(1, []byte("gtid"), []byte("branch"))
	res, err := reg.FindOrImport(context.Background(), x, 60, false)
	if err != nil {
		t.Fatalf("FindOrImport: %v", err)
	}
	if !res.NewlyImported {
		t.Fatal("expected the first findOrImport to report a new import")
	}

	again, err := reg.FindOrImport(context.Background(), x, 60, false)
	if err != nil {
		t.Fatalf("FindOrImport (second): %v", err)
	}
	if again.Txn != res.Txn {
		t.Fatal("expected the second findOrImport to return the same transaction")
	}

	if err := reg.Commit(context.Background(), x, true); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tx := res.Txn.(*Tx)
	if tx.GetStatus() != 3 {
		t.Fatalf("status after commit = %d, want 3 (COMMITTED)", tx.GetStatus())
	}

	if _, ok := tm.GetTransaction(x); !ok {
		t.Fatal("expected the transaction to still be registered with the TM after commit")
	}
}
