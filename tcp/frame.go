// Package tcp implements parsing and serialization of TCP segment headers
// as per RFC 9293, limited to the fields the forwarding plane needs to
// inspect and rewrite: ports, sequence/ack numbers, flags and checksum.
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/soypat/lneto-router"
)

const sizeHeaderTCP = 20

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20.
// Users should still call [Frame.ValidateSize] before working
// with options/payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{buf: nil}, lneto.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a TCP segment and provides methods
// for manipulating, validating and retrieving its fields and payload.
// See [RFC9293].
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], src)
}

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], dst)
}

// Seq returns the sequence number of the first data octet in this segment
// (except when SYN is present, in which case it is the ISN and the first
// data octet is ISN+1).
func (tfrm Frame) Seq() uint32 { return binary.BigEndian.Uint32(tfrm.buf[4:8]) }
func (tfrm Frame) SetSeq(v uint32) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], v)
}

// Ack is the next sequence number the sender of this segment expects to
// receive, valid only when FlagACK is set.
func (tfrm Frame) Ack() uint32 { return binary.BigEndian.Uint32(tfrm.buf[8:12]) }
func (tfrm Frame) SetAck(v uint32) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], v)
}

// OffsetAndFlags returns the data offset (header length in 32-bit words)
// and the flag bits of the TCP header.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	offset = uint8(v >> 12)
	flags = Flags(v).Mask()
	return offset, flags
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// Flags returns the flag bits of the TCP header alone.
func (tfrm Frame) Flags() Flags {
	_, flags := tfrm.OffsetAndFlags()
	return flags
}

// SetFlags overwrites the flag bits while preserving the offset field.
func (tfrm Frame) SetFlags(flags Flags) {
	offset, _ := tfrm.OffsetAndFlags()
	tfrm.SetOffsetAndFlags(offset, flags)
}

// HeaderLength uses the data offset field to calculate the total length of
// the TCP header including options. Performs no validation.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

// CRC returns the checksum field in the TCP header.
func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }

// SetCRC sets the checksum field of the TCP header. See [Frame.CRC].
func (tfrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum)
}

func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Options returns the TCP option buffer portion of the frame. The returned
// slice may be zero length. Be sure to call [Frame.ValidateSize] beforehand
// to avoid panics.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// Payload returns the payload content section of the TCP segment (not
// including TCP options). Be sure to call [Frame.ValidateSize] beforehand
// to avoid panics.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// ClearHeader zeros out the fixed (non-variable) header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

// CRCWrite adds the TCP header and payload contents (but not the checksum
// field itself) to crc. Caller must separately add the IPv4 pseudo-header
// via [ipv4.Frame.CRCWriteTCPPseudo] before computing the final sum.
func (tfrm Frame) CRCWrite(crc *lneto.CRC791) {
	crc.AddUint16(tfrm.SourcePort())
	crc.AddUint16(tfrm.DestinationPort())
	crc.AddUint32(tfrm.Seq())
	crc.AddUint32(tfrm.Ack())
	off, flags := tfrm.OffsetAndFlags()
	crc.AddUint16(uint16(off)<<12 | uint16(flags))
	crc.AddUint16(tfrm.WindowSize())
	// Checksum field itself is treated as zero.
	crc.AddUint16(tfrm.UrgentPtr())
	crc.WriteEven(tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()])
	crc.Write(tfrm.Payload())
}

func (tfrm Frame) String() string {
	return fmt.Sprintf("TCP :%d -> :%d %s seq=%d ack=%d wnd=%d", tfrm.SourcePort(), tfrm.DestinationPort(),
		tfrm.Flags(), tfrm.Seq(), tfrm.Ack(), tfrm.WindowSize())
}

// ValidateSize checks the frame's size fields and compares them with the
// actual buffer backing the frame. It adds an error to v on finding an
// inconsistency.
func (tfrm Frame) ValidateSize(v *lneto.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		v.AddBitPosErr(12*8, 4, lneto.ErrInvalidLengthField)
	}
	if off > len(tfrm.RawData()) {
		v.AddBitPosErr(12*8, 4, lneto.ErrInvalidLengthField)
	}
}

func (tfrm Frame) ValidateExceptCRC(v *lneto.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, lneto.ErrZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, lneto.ErrZeroSource)
	}
}

// Flags is the TCP flags bit field, i.e. SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

// HasAll reports whether all bits in mask are set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether one or more bits in mask are set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask returns f with non-flag bits cleared.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) String() string {
	switch f.Mask() {
	case 0:
		return "[]"
	case FlagSYN:
		return "[SYN]"
	case FlagSYN | FlagACK:
		return "[SYN,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagFIN:
		return "[FIN]"
	case FlagFIN | FlagACK:
		return "[FIN,ACK]"
	case FlagRST:
		return "[RST]"
	case FlagRST | FlagACK:
		return "[RST,ACK]"
	}
	buf := make([]byte, 0, 24)
	buf = append(buf, '[')
	first := true
	add := func(name string, bit Flags) {
		if f&bit == 0 {
			return
		}
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, name...)
	}
	add("FIN", FlagFIN)
	add("SYN", FlagSYN)
	add("RST", FlagRST)
	add("PSH", FlagPSH)
	add("ACK", FlagACK)
	add("URG", FlagURG)
	add("ECE", FlagECE)
	add("CWR", FlagCWR)
	add("NS", FlagNS)
	buf = append(buf, ']')
	return string(buf)
}
