// Package frame parses the router's capture-protocol byte stream and
// truncates each record down to its protocol headers. It is pure: no
// I/O, no state beyond the session's detected header variant.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Variant identifies the record-header layout detected from the
// stream's global header. It is fixed for the lifetime of a session.
type Variant int

const (
	// VariantStandard is the classic libpcap layout: 16-byte record
	// headers, little-endian fields.
	VariantStandard Variant = iota
	// VariantModifiedLE is the modified ("Kuznetsov") layout: 24-byte
	// record headers with interface index and protocol, little-endian.
	VariantModifiedLE
	// VariantBigEndianExtended is the modified layout written
	// big-endian. Records are re-encoded to little-endian on output.
	VariantBigEndianExtended
)

func (v Variant) String() string {
	switch v {
	case VariantStandard:
		return "standard"
	case VariantModifiedLE:
		return "modified-le"
	case VariantBigEndianExtended:
		return "modified-be"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

const (
	// MagicStandard marks a classic little-endian libpcap stream.
	MagicStandard uint32 = 0xA1B2C3D4
	// MagicModified marks the modified little-endian layout.
	MagicModified uint32 = 0xA1B2CD34
	// MagicModifiedBE is MagicModified as seen when the stream writes
	// its fields big-endian.
	MagicModifiedBE uint32 = 0x34CDB2A1

	// GlobalHeaderSize is the size of the stream/file global header.
	GlobalHeaderSize = 24

	recordHeaderSizeStandard = 16
	recordHeaderSizeExtended = 24

	ethernetHeaderSize = 14
	udpHeaderSize      = 8
)

// ErrNeedMoreData reports that the buffer does not yet hold a complete
// record. Nothing was consumed; the caller should wait for more bytes.
var ErrNeedMoreData = errors.New("frame: need more data")

// ErrFrameTooLarge reports a record header whose captured length
// exceeds the sanity ceiling. The stream is corrupt beyond recovery;
// the caller must abort the session.
var ErrFrameTooLarge = errors.New("frame: captured length exceeds sanity ceiling")

// StreamHeader is the parsed 24-byte global header of a capture stream.
type StreamHeader struct {
	Variant      Variant
	VersionMajor uint16
	VersionMinor uint16
	SnapLen      uint32
	LinkType     uint32
}

// ParseStreamHeader decodes the global header from the first
// GlobalHeaderSize bytes of a capture stream. The magic number selects
// both the record layout and the byte order of every later field.
func ParseStreamHeader(b []byte) (StreamHeader, error) {
	if len(b) < GlobalHeaderSize {
		return StreamHeader{}, ErrNeedMoreData
	}
	var hdr StreamHeader
	var order binary.ByteOrder = binary.LittleEndian
	switch binary.LittleEndian.Uint32(b[0:4]) {
	case MagicStandard:
		hdr.Variant = VariantStandard
	case MagicModified:
		hdr.Variant = VariantModifiedLE
	case MagicModifiedBE:
		hdr.Variant = VariantBigEndianExtended
		order = binary.BigEndian
	default:
		return StreamHeader{}, fmt.Errorf("frame: unrecognized stream magic %#08x", binary.LittleEndian.Uint32(b[0:4]))
	}
	hdr.VersionMajor = order.Uint16(b[4:6])
	hdr.VersionMinor = order.Uint16(b[6:8])
	hdr.SnapLen = order.Uint32(b[16:20])
	hdr.LinkType = order.Uint32(b[20:24])
	return hdr, nil
}

// Truncator cuts capture-protocol records down to their Ethernet, IP
// and transport headers. Records of any other protocol are dropped.
type Truncator struct {
	// Variant is the record layout detected for this session.
	Variant Variant
	// MaxCaptureLen is the sanity ceiling on a record's captured
	// length. A header declaring more is a fatal framing error.
	MaxCaptureLen uint32
}

// HeaderSize returns the record header size for the configured variant.
func (t *Truncator) HeaderSize() int {
	if t.Variant == VariantStandard {
		return recordHeaderSizeStandard
	}
	return recordHeaderSizeExtended
}

func (t *Truncator) byteOrder() binary.ByteOrder {
	if t.Variant == VariantBigEndianExtended {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Next parses one record off the front of buf.
//
// It returns the finished record in canonical little-endian form (nil
// if the record's protocol is not kept), plus the number of bytes the
// caller must remove from the front of buf. ErrNeedMoreData means buf
// holds no complete record and nothing was consumed. ErrFrameTooLarge
// is fatal to the session.
func (t *Truncator) Next(buf []byte) (rec []byte, consumed int, err error) {
	hdrSize := t.HeaderSize()
	if len(buf) < hdrSize {
		return nil, 0, ErrNeedMoreData
	}
	order := t.byteOrder()
	capLen := order.Uint32(buf[8:12])
	if capLen > t.MaxCaptureLen {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, capLen, t.MaxCaptureLen)
	}
	if uint32(len(buf)) < uint32(hdrSize)+capLen {
		return nil, 0, ErrNeedMoreData
	}
	consumed = hdrSize + int(capLen)
	payload := buf[hdrSize:consumed]

	boundary := transportBoundary(payload)
	if boundary == 0 {
		return nil, consumed, nil
	}

	outLen := capLen
	if uint32(boundary) < outLen {
		outLen = uint32(boundary)
	}

	// The output header is written once, field by field, in its final
	// little-endian form. The big-endian variant is never patched in
	// place.
	rec = make([]byte, hdrSize+int(outLen))
	binary.LittleEndian.PutUint32(rec[0:4], order.Uint32(buf[0:4]))     // seconds
	binary.LittleEndian.PutUint32(rec[4:8], order.Uint32(buf[4:8]))     // microseconds
	binary.LittleEndian.PutUint32(rec[8:12], outLen)                    // captured length
	binary.LittleEndian.PutUint32(rec[12:16], order.Uint32(buf[12:16])) // original length
	if hdrSize == recordHeaderSizeExtended {
		binary.LittleEndian.PutUint32(rec[16:20], order.Uint32(buf[16:20])) // interface index
		binary.LittleEndian.PutUint16(rec[20:22], order.Uint16(buf[20:22])) // protocol
		rec[22] = buf[22]                                                   // packet type
		rec[23] = buf[23]
	}
	copy(rec[hdrSize:], payload[:outLen])
	return rec, consumed, nil
}

// transportBoundary computes how many payload bytes to keep: the
// Ethernet header plus the IPv4 header plus the TCP or UDP header.
// Zero means the record should be dropped entirely.
func transportBoundary(payload []byte) int {
	if len(payload) < ethernetHeaderSize {
		return 0
	}
	etherType := layers.EthernetType(binary.BigEndian.Uint16(payload[12:14]))
	if etherType != layers.EthernetTypeIPv4 {
		return 0
	}
	if len(payload) < ethernetHeaderSize+20 {
		return 0
	}
	ipLen := int(payload[ethernetHeaderSize]&0x0F) * 4
	if ipLen < 20 {
		return 0
	}
	switch layers.IPProtocol(payload[ethernetHeaderSize+9]) {
	case layers.IPProtocolTCP:
		offsetByte := ethernetHeaderSize + ipLen + 12
		if len(payload) <= offsetByte {
			return 0
		}
		tcpLen := int(payload[offsetByte]>>4) * 4
		return ethernetHeaderSize + ipLen + tcpLen
	case layers.IPProtocolUDP:
		return ethernetHeaderSize + ipLen + udpHeaderSize
	default:
		return 0
	}
}
