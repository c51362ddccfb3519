// Package wire implements the binary request/response protocol described
// in spec.md §4.1 (C1): request-id + opcode + TLV parameters, and the
// packed-unsigned-integer codec used for both lengths and numeric
// parameter values.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// Opcode identifies a wire message. Numeric values are part of the
// external wire contract (spec.md §4.1, §6) and must never change.
type Opcode byte

const (
	OpUTBegin        Opcode = 0x01
	OpRespUTBegin    Opcode = 0x02
	OpUTCommit       Opcode = 0x03
	OpRespUTCommit   Opcode = 0x04
	OpUTRollback     Opcode = 0x05
	OpRespUTRollback Opcode = 0x06
)

func (op Opcode) String() string {
	switch op {
	case OpUTBegin:
		return "UT_BEGIN"
	case OpRespUTBegin:
		return "RESP_UT_BEGIN"
	case OpUTCommit:
		return "UT_COMMIT"
	case OpRespUTCommit:
		return "RESP_UT_COMMIT"
	case OpUTRollback:
		return "UT_ROLLBACK"
	case OpRespUTRollback:
		return "RESP_UT_ROLLBACK"
	default:
		return "UNKNOWN"
	}
}

// ParamID identifies a TLV parameter. Numeric values are part of the
// external wire contract (spec.md §4.1) and must never change.
type ParamID byte

const (
	ParamTxnContext ParamID = 0x01 // unsigned context id
	ParamSecContext ParamID = 0x02 // unsigned peer-identity id (omit if 0)
	ParamTxnTimeout ParamID = 0x03 // unsigned seconds (omit if 0)
	ParamUTIsExc    ParamID = 0x10 // peer threw IllegalStateException
	ParamUTSysExc   ParamID = 0x11 // peer threw SystemException
	ParamUTRBExc    ParamID = 0x12 // peer rolled back
	ParamUTHMEExc   ParamID = 0x13 // peer heuristic-mixed
	ParamUTHREExc   ParamID = 0x14 // peer heuristic-rollback
	ParamSecExc     ParamID = 0x15 // peer threw SecurityException
)

// errorParamIDs lists, in §4.1's table order, the TLV ids that carry a
// peer-reported error. FirstError picks "the first error parameter seen"
// (spec.md §4.3) by wire order, not by this table's order.
var errorParamIDs = map[ParamID]struct{}{
	ParamUTIsExc:  {},
	ParamUTSysExc: {},
	ParamUTRBExc:  {},
	ParamUTHMEExc: {},
	ParamUTHREExc: {},
	ParamSecExc:   {},
}

// IsErrorParam reports whether id carries a peer-reported error.
func IsErrorParam(id ParamID) bool {
	_, ok := errorParamIDs[id]
	return ok
}

// Param is one decoded TLV: an id plus its raw payload.
type Param struct {
	ID    ParamID
	Value []byte
}

// Uint32 decodes the parameter's payload as a packed-u32, for parameters
// carrying an unsigned numeric value (P_TXN_CONTEXT, P_SEC_CONTEXT,
// P_TXN_TIMEOUT).
func (p Param) Uint32() (uint32, error) {
	v, n, err := DecodePackedU32(p.Value)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	if n != len(p.Value) {
		return 0, errtrace.Wrap(xaerr.New(xaerr.KindProtocolError, "trailing bytes in packed-u32 parameter %v", p.ID))
	}
	return v, nil
}

// ParamUint32 builds a TLV parameter carrying an unsigned value.
func ParamUint32(id ParamID, v uint32) Param {
	return Param{ID: id, Value: EncodePackedU32(v)}
}

// ParamFlag builds a zero-length TLV marker parameter (the peer-exception
// flags of §4.1 carry no payload, only their presence matters).
func ParamFlag(id ParamID) Param {
	return Param{ID: id, Value: nil}
}

// Message is a decoded wire message: request_id, opcode, then zero or
// more TLV parameters (spec.md §4.1). There is no sentinel; the end of
// the parameter list is the end of the frame, as delivered by the
// transport's framing.
type Message struct {
	RequestID uint16
	Opcode    Opcode
	Params    []Param
}

// First returns the first parameter with the given id, in wire order,
// and whether one was found. The §4.3 rule that "the first error
// parameter seen determines the outcome" is implemented by FirstError.
func (m Message) First(id ParamID) (Param, bool) {
	for _, p := range m.Params {
		if p.ID == id {
			return p, true
		}
	}
	return Param{}, false
}

// FirstError returns the first TLV parameter in wire order whose id is
// one of the peer-error parameters, per spec.md §4.3.
func (m Message) FirstError() (Param, bool) {
	for _, p := range m.Params {
		if IsErrorParam(p.ID) {
			return p, true
		}
	}
	return Param{}, false
}

// Encode writes the message to w: request_id, opcode, then each
// parameter's id/packed-length/payload in the order given.
func Encode(w io.Writer, m Message) error {
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[0:2], m.RequestID)
	hdr[2] = byte(m.Opcode)
	if _, err := w.Write(hdr[:]); err != nil {
		return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "write message header"))
	}
	for _, p := range m.Params {
		if err := encodeParam(w, p); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

func encodeParam(w io.Writer, p Param) error {
	if _, err := w.Write([]byte{byte(p.ID)}); err != nil {
		return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "write parameter id"))
	}
	if _, err := w.Write(EncodePackedU32(uint32(len(p.Value)))); err != nil {
		return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "write parameter length"))
	}
	if len(p.Value) > 0 {
		if _, err := w.Write(p.Value); err != nil {
			return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "write parameter value"))
		}
	}
	return nil
}

// EncodeBytes is a convenience wrapper returning the encoded message as
// a byte slice.
func EncodeBytes(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Decode reads one message from r until EOF, per spec.md §4.1: framing
// (not this codec) determines where the message ends, so Decode drains
// r until io.EOF rather than looking for a sentinel.
func Decode(r io.Reader) (Message, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindProtocolError, err, "read message header"))
	}
	m := Message{
		RequestID: binary.BigEndian.Uint16(hdr[0:2]),
		Opcode:    Opcode(hdr[2]),
	}
	for {
		var idByte [1]byte
		_, err := io.ReadFull(r, idByte[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindProtocolError, err, "read parameter id"))
		}
		length, err := decodePackedU32Reader(r)
		if err != nil {
			return Message{}, errtrace.Wrap(err)
		}
		var value []byte
		if length > 0 {
			value = make([]byte, length)
			if _, err := io.ReadFull(r, value); err != nil {
				return Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindProtocolError, err, "read parameter value"))
			}
		}
		m.Params = append(m.Params, Param{ID: ParamID(idByte[0]), Value: value})
	}
	return m, nil
}

// DecodeBytes decodes a message from a fully-buffered frame.
func DecodeBytes(b []byte) (Message, error) {
	msg, err := Decode(bytes.NewReader(b))
	if err != nil {
		return Message{}, errtrace.Wrap(err)
	}
	return msg, nil
}

const maxPackedLen = 5

// EncodePackedU32 encodes v as a 1-to-5-byte big-endian variable-length
// packed unsigned integer with classic 7-bit continuation (spec.md §4.1,
// §9): each byte carries 7 bits of value, most-significant group first;
// the top bit is set on every byte except the last.
func EncodePackedU32(v uint32) []byte {
	var groups [maxPackedLen]byte
	n := 0
	groups[0] = byte(v & 0x7f)
	v >>= 7
	n++
	for v > 0 {
		groups[n] = byte(v & 0x7f)
		v >>= 7
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b := groups[n-1-i]
		if i != n-1 {
			b |= 0x80
		}
		out[i] = b
	}
	return out
}

// DecodePackedU32 decodes a packed-u32 from the start of b, returning the
// value and the number of bytes consumed. Sequences longer than 5 bytes
// are rejected (spec.md §9).
func DecodePackedU32(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < len(b); i++ {
		if i >= maxPackedLen {
			return 0, 0, errtrace.Wrap(xaerr.New(xaerr.KindProtocolError, "packed-u32 exceeds %d bytes", maxPackedLen))
		}
		v = (v << 7) | uint32(b[i]&0x7f)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errtrace.Wrap(xaerr.New(xaerr.KindProtocolError, "truncated packed-u32"))
}

func decodePackedU32Reader(r io.Reader) (uint32, error) {
	var v uint32
	for i := 0; i < maxPackedLen; i++ {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, errtrace.Wrap(xaerr.Wrap(xaerr.KindProtocolError, err, "read packed-u32 byte"))
		}
		v = (v << 7) | uint32(b[0]&0x7f)
		if b[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errtrace.Wrap(xaerr.New(xaerr.KindProtocolError, "packed-u32 exceeds %d bytes", maxPackedLen))
}
