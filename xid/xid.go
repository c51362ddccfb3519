// Package xid implements the SimpleXid value type shared by the
// subordinate XA resource, the imported transaction registry, and the
// provider glue (spec.md §3).
package xid

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Xid is the minimal interface the core needs from an XA transaction id;
// it mirrors the javax.transaction.xa.Xid contract referenced by spec.md
// §3/§6.
type Xid interface {
	FormatID() int32
	GlobalID() []byte
	BranchID() []byte
}

// SimpleXid is an immutable value type implementing Xid. Equality and
// ordering are byte-lexicographic across (formatID, globalID, branchID)
// per spec.md §3.
type SimpleXid struct {
	formatID int32
	globalID []byte
	branchID []byte
}

// New builds a SimpleXid, copying the id slices so the result is immutable
// regardless of what the caller does with its buffers afterward.
func New(formatID int32, globalID, branchID []byte) SimpleXid {
	return SimpleXid{
		formatID: formatID,
		globalID: append([]byte(nil), globalID...),
		branchID: append([]byte(nil), branchID...),
	}
}

// FromXid converts any Xid implementation to a SimpleXid value.
func FromXid(x Xid) SimpleXid {
	if sx, ok := x.(SimpleXid); ok {
		return sx
	}
	return New(x.FormatID(), x.GlobalID(), x.BranchID())
}

func (x SimpleXid) FormatID() int32   { return x.formatID }
func (x SimpleXid) GlobalID() []byte  { return x.globalID }
func (x SimpleXid) BranchID() []byte  { return x.branchID }
func (x SimpleXid) HasBranch() bool   { return len(x.branchID) > 0 }

// WithoutBranch returns the same value with an empty branch id — the
// global transaction id (gtid) used as a registry key (spec.md §3).
func (x SimpleXid) WithoutBranch() SimpleXid {
	if !x.HasBranch() {
		return x
	}
	return SimpleXid{formatID: x.formatID, globalID: x.globalID}
}

// Compare orders two SimpleXid values byte-lexicographically across
// (formatID, globalID, branchID), returning <0, 0, >0 like bytes.Compare.
func (x SimpleXid) Compare(o SimpleXid) int {
	if x.formatID != o.formatID {
		if x.formatID < o.formatID {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(x.globalID, o.globalID); c != 0 {
		return c
	}
	return bytes.Compare(x.branchID, o.branchID)
}

// Equal reports whether x and o are the same xid value.
func (x SimpleXid) Equal(o SimpleXid) bool { return x.Compare(o) == 0 }

// String renders a short hex summary, matching the teacher's Short()/
// String() split between terse and full logging forms.
func (x SimpleXid) String() string {
	return fmt.Sprintf("Xid(fmt=%d,gtid=%s,bq=%s)",
		x.formatID, hex.EncodeToString(x.globalID), hex.EncodeToString(x.branchID))
}

// LogValue implements slog.LogValuer so callers get a structured record
// instead of the %v default, the way the teacher's domain types do.
func (x SimpleXid) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("format_id", int64(x.formatID)),
		slog.String("global_id", hex.EncodeToString(x.globalID)),
		slog.String("branch_id", hex.EncodeToString(x.branchID)),
	)
}

// Key is the pair (expiration_ns, gtid) with lexicographic ordering on
// that tuple (spec.md §3), used by the imported registry's ordered set
// for range-prefix eviction.
type Key struct {
	ExpirationNS int64
	GTID         SimpleXid
}

// Compare orders two Keys by (ExpirationNS, GTID) lexicographically.
func (k Key) Compare(o Key) int {
	if k.ExpirationNS != o.ExpirationNS {
		if k.ExpirationNS < o.ExpirationNS {
			return -1
		}
		return 1
	}
	return k.GTID.Compare(o.GTID)
}

// Node-name-bearing format ids, per spec.md §6: for these, the global
// transaction id is [28-byte UID][UTF-8 node name].
var nodeNameFormatIDs = map[int32]struct{}{
	0x20000: {},
	0x20005: {},
	0x20008: {},
}

const uidLen = 28

// NodeName extracts the node name embedded in the global transaction id,
// per spec.md §6. Returns "" when the format id doesn't carry a node name
// or the global id is too short to hold one.
func (x SimpleXid) NodeName() string {
	if _, ok := nodeNameFormatIDs[x.formatID]; !ok {
		return ""
	}
	if len(x.globalID) <= uidLen {
		return ""
	}
	return string(x.globalID[uidLen:])
}
