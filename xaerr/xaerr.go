// Package xaerr defines the sum-typed error kinds surfaced at the
// boundary of the transaction client, and the numeric XA error codes
// that accompany them when the caller is driving an XAResource.
package xaerr

import (
	"fmt"
)

// Code is an XA error code as defined by the X/Open XA specification.
// Negative values are XAER_* (resource-manager errors); small positive
// values are XA_* informational outcomes.
type Code int32

const (
	CodeOK          Code = 0
	CodeRDONLY      Code = 3
	CodeRetry       Code = 4
	CodeHeurMix     Code = 5
	CodeHeurRB      Code = 6
	CodeHeurCom     Code = 7
	CodeHeurHaz     Code = 8
	CodeNoMigrate   Code = 9
	CodeRBRollback  Code = 100
	CodeRBCommFail  Code = 101
	CodeRBDeadlock  Code = 102
	CodeRBIntegrity Code = 103
	CodeRBOther     Code = 104
	CodeRBProto     Code = 105
	CodeRBTimeout   Code = 106
	CodeRBTransient Code = 107

	CodeRMErr   Code = -3
	CodeNota    Code = -4
	CodeInval   Code = -5
	CodeProto   Code = -6
	CodeRMFail  Code = -7
	CodeDupID   Code = -8
	CodeOutside Code = -9
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "XA_OK"
	case CodeRDONLY:
		return "XA_RDONLY"
	case CodeRetry:
		return "XA_RETRY"
	case CodeHeurMix:
		return "XA_HEURMIX"
	case CodeHeurRB:
		return "XA_HEURRB"
	case CodeHeurCom:
		return "XA_HEURCOM"
	case CodeHeurHaz:
		return "XA_HEURHAZ"
	case CodeNoMigrate:
		return "XA_NOMIGRATE"
	case CodeRBRollback:
		return "XA_RBROLLBACK"
	case CodeRBOther:
		return "XA_RBOTHER"
	case CodeRMErr:
		return "XAER_RMERR"
	case CodeNota:
		return "XAER_NOTA"
	case CodeInval:
		return "XAER_INVAL"
	case CodeProto:
		return "XAER_PROTO"
	case CodeRMFail:
		return "XAER_RMFAIL"
	case CodeDupID:
		return "XAER_DUPID"
	case CodeOutside:
		return "XAER_OUTSIDE"
	default:
		return fmt.Sprintf("XA(%d)", int32(c))
	}
}

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindFailedToSend
	KindFailedToReceive
	KindResponseFailed
	KindProtocolError
	KindUnknownResponse
	KindPeerSystemException
	KindPeerSecurityException
	KindPeerHeuristicMixed
	KindPeerHeuristicRollback
	KindPeerIllegalStateException
	KindTransactionRolledBackByPeer
	KindInvalidTxnState
	KindAlreadyAssociated
	KindAlreadyEnlisted
	KindAlreadyForgotten
	KindCommitOnImported
	KindRollbackOnImported
	KindNegativeTxnTimeout
	KindInvalidFlags
	KindUnknownProvider
	KindNoProviderForURI
	KindOperationInterrupted
	KindRollbackException
	KindRollbackOnlyRollback
	KindEngineHeuristicOutcome
	KindEngineError
)

// ids are the stable WFTXNnnnn identifiers log readers grep for (spec §6).
var ids = map[Kind]string{
	KindUnknown:                     "WFTXN0000",
	KindFailedToSend:                "WFTXN0001",
	KindFailedToReceive:             "WFTXN0002",
	KindResponseFailed:              "WFTXN0003",
	KindProtocolError:               "WFTXN0004",
	KindUnknownResponse:             "WFTXN0005",
	KindPeerSystemException:         "WFTXN0010",
	KindPeerSecurityException:       "WFTXN0011",
	KindPeerHeuristicMixed:          "WFTXN0012",
	KindPeerHeuristicRollback:       "WFTXN0013",
	KindPeerIllegalStateException:   "WFTXN0014",
	KindTransactionRolledBackByPeer: "WFTXN0015",
	KindInvalidTxnState:             "WFTXN0020",
	KindAlreadyAssociated:           "WFTXN0021",
	KindAlreadyEnlisted:             "WFTXN0022",
	KindAlreadyForgotten:            "WFTXN0023",
	KindCommitOnImported:            "WFTXN0024",
	KindRollbackOnImported:          "WFTXN0025",
	KindNegativeTxnTimeout:          "WFTXN0030",
	KindInvalidFlags:                "WFTXN0031",
	KindUnknownProvider:             "WFTXN0032",
	KindNoProviderForURI:            "WFTXN0033",
	KindOperationInterrupted:        "WFTXN0040",
	KindRollbackException:           "WFTXN0041",
	KindRollbackOnlyRollback:        "WFTXN0042",
	KindEngineHeuristicOutcome:      "WFTXN0050",
	KindEngineError:                 "WFTXN0051",
}

// Error is the sum-typed error value surfaced at the system boundary.
type Error struct {
	Kind Kind
	ID   string
	Msg  string
	// Code is set when this error accompanies an XA verb result.
	Code Code
	// Cause is the underlying error, if any (e.g. a transport failure).
	Cause error
	// Suppressed carries heuristic/deferred context the engine attached,
	// without replacing Cause (spec §4.7, §7.6).
	Suppressed []error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %s", msg, e.ID, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", msg, e.ID, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string {
	switch k {
	case KindFailedToSend:
		return "failedToSend"
	case KindFailedToReceive:
		return "failedToReceive"
	case KindResponseFailed:
		return "responseFailed"
	case KindProtocolError:
		return "protocolError"
	case KindUnknownResponse:
		return "unknownResponse"
	case KindPeerSystemException:
		return "peerSystemException"
	case KindPeerSecurityException:
		return "peerSecurityException"
	case KindPeerHeuristicMixed:
		return "peerHeuristicMixed"
	case KindPeerHeuristicRollback:
		return "peerHeuristicRollback"
	case KindPeerIllegalStateException:
		return "peerIllegalStateException"
	case KindTransactionRolledBackByPeer:
		return "transactionRolledBackByPeer"
	case KindInvalidTxnState:
		return "invalidTxnState"
	case KindAlreadyAssociated:
		return "alreadyAssociated"
	case KindAlreadyEnlisted:
		return "alreadyEnlisted"
	case KindAlreadyForgotten:
		return "alreadyForgotten"
	case KindCommitOnImported:
		return "commitOnImported"
	case KindRollbackOnImported:
		return "rollbackOnImported"
	case KindNegativeTxnTimeout:
		return "negativeTxnTimeout"
	case KindInvalidFlags:
		return "invalidFlags"
	case KindUnknownProvider:
		return "unknownProvider"
	case KindNoProviderForURI:
		return "noProviderForUri"
	case KindOperationInterrupted:
		return "operationInterrupted"
	case KindRollbackException:
		return "rollbackException"
	case KindRollbackOnlyRollback:
		return "rollbackOnlyRollback"
	case KindEngineHeuristicOutcome:
		return "engineHeuristicOutcome"
	case KindEngineError:
		return "engineError"
	default:
		return "unknown"
	}
}

// New builds an *Error for kind k, formatting Msg like fmt.Sprintf.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, ID: ids[k], Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error for kind k around cause.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	e := New(k, format, args...)
	e.Cause = cause
	return e
}

// WithCode attaches an XA error code to e and returns e for chaining.
func (e *Error) WithCode(c Code) *Error {
	e.Code = c
	return e
}

// WithSuppressed appends a suppressed/deferred cause (spec §4.7, §7.6).
func (e *Error) WithSuppressed(errs ...error) *Error {
	e.Suppressed = append(e.Suppressed, errs...)
	return e
}

// Is supports errors.Is by Kind equality, the way sum-typed errors from a
// shared taxonomy are usually compared.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
