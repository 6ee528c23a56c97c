// Package ngscope decodes the ngscope dci-sink UDP stream and turns CellDci
// messages into per-RNTI uplink samples.
//
// Wire format: a 4-byte type preamble, one version byte, then the payload as
// ngscope's little-endian C structs:
//
//	Start   CC CC CC CC
//	Dci     AA AA AA AA  + 40-byte ue_dci
//	CellDci AB AB AB AB  + 448-byte cell_dci (up to 20 RNTI entries)
//	Config  BB BB BB BB  + 12-byte cell config
//	Exit    FF FF FF FF
package ngscope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies a dci-sink datagram.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeStart
	TypeDci
	TypeCellDci
	TypeConfig
	TypeExit
)

func (t MessageType) String() string {
	switch t {
	case TypeStart:
		return "start"
	case TypeDci:
		return "dci"
	case TypeCellDci:
		return "cell_dci"
	case TypeConfig:
		return "config"
	case TypeExit:
		return "exit"
	default:
		return "unknown"
	}
}

const (
	preambleSize    = 4
	versionPosition = 4
	contentPosition = 5

	ueDciSize      = 40
	cellDciSize    = 448
	cellConfigSize = 12
	rntiEntrySize  = 20
	rntiListOffset = 48

	// MaxRNTIs is the fixed capacity of a CellDci rnti_list.
	MaxRNTIs = 20
	// MaxCells is the number of cells one ngscope instance tracks.
	MaxCells = 4
	// MaxDatagram is ngscope's remote send buffer size.
	MaxDatagram = 1400
)

var (
	ErrShortDatagram = errors.New("ngscope: datagram too short")
	ErrUnknownType   = errors.New("ngscope: unknown message type")
	ErrPayloadSize   = errors.New("ngscope: unexpected payload size")
)

// RntiDci is one entry of a CellDci rnti_list. TBS values are in bits.
type RntiDci struct {
	RNTI   uint16
	DLTBS  uint32
	DLPRB  uint8
	DLReTx uint8
	ULTBS  uint32
	ULPRB  uint8
	ULReTx uint8
}

// CellDci aggregates every grant ngscope decoded for one cell in one TTI.
type CellDci struct {
	CellID      uint8
	Timestamp   uint64 // unix microseconds
	TTI         uint16
	TotalDLTBS  uint64
	TotalULTBS  uint64
	TotalDLPRB  uint8
	TotalULPRB  uint8
	TotalDLReTx uint8
	TotalULReTx uint8
	RNTIs       []RntiDci
}

// At converts the microsecond timestamp.
func (c CellDci) At() time.Time {
	return time.UnixMicro(int64(c.Timestamp)).UTC()
}

// UeDci is a single-UE DCI record.
type UeDci struct {
	CellIdx   uint8
	Timestamp uint64
	TTI       uint16
	RNTI      uint16
	DLTBS     uint32
	DLReTx    uint8
	DLRVFlag  bool
	ULTBS     uint32
	ULReTx    uint8
	ULRVFlag  bool
}

// CellConfig reports the cells ngscope is decoding.
type CellConfig struct {
	NofCell uint8
	CellPRB [MaxCells]uint16
	RNTI    uint16
}

// Message is one decoded datagram. Only the field matching Type is set.
type Message struct {
	Type    MessageType
	Version uint8
	CellDci *CellDci
	Dci     *UeDci
	Config  *CellConfig
}

// TypeOf classifies a datagram by its preamble.
func TypeOf(datagram []byte) (MessageType, error) {
	if len(datagram) < preambleSize {
		return TypeUnknown, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(datagram))
	}
	b := datagram[0]
	if datagram[1] != b || datagram[2] != b || datagram[3] != b {
		return TypeUnknown, ErrUnknownType
	}
	switch b {
	case 0xCC:
		return TypeStart, nil
	case 0xAA:
		return TypeDci, nil
	case 0xAB:
		return TypeCellDci, nil
	case 0xBB:
		return TypeConfig, nil
	case 0xFF:
		return TypeExit, nil
	}
	return TypeUnknown, ErrUnknownType
}

// Parse decodes one datagram.
func Parse(datagram []byte) (Message, error) {
	typ, err := TypeOf(datagram)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Type: typ}
	if typ == TypeStart || typ == TypeExit {
		if len(datagram) > versionPosition {
			msg.Version = datagram[versionPosition]
		}
		return msg, nil
	}
	if len(datagram) < contentPosition {
		return Message{}, fmt.Errorf("%w: %s without version byte", ErrShortDatagram, typ)
	}
	msg.Version = datagram[versionPosition]
	content := datagram[contentPosition:]
	switch typ {
	case TypeCellDci:
		cd, err := parseCellDci(content)
		if err != nil {
			return Message{}, err
		}
		msg.CellDci = &cd
	case TypeDci:
		d, err := parseUeDci(content)
		if err != nil {
			return Message{}, err
		}
		msg.Dci = &d
	case TypeConfig:
		c, err := parseConfig(content)
		if err != nil {
			return Message{}, err
		}
		msg.Config = &c
	}
	return msg, nil
}

func parseCellDci(b []byte) (CellDci, error) {
	if len(b) < cellDciSize {
		return CellDci{}, fmt.Errorf("%w: cell_dci %d < %d", ErrPayloadSize, len(b), cellDciSize)
	}
	le := binary.LittleEndian
	cd := CellDci{
		CellID:      b[0],
		Timestamp:   le.Uint64(b[8:16]),
		TTI:         le.Uint16(b[16:18]),
		TotalDLTBS:  le.Uint64(b[24:32]),
		TotalULTBS:  le.Uint64(b[32:40]),
		TotalDLPRB:  b[40],
		TotalULPRB:  b[41],
		TotalDLReTx: b[42],
		TotalULReTx: b[43],
	}
	n := int(b[44])
	if n > MaxRNTIs {
		return CellDci{}, fmt.Errorf("%w: nof_rnti %d exceeds %d", ErrPayloadSize, n, MaxRNTIs)
	}
	cd.RNTIs = make([]RntiDci, n)
	for i := 0; i < n; i++ {
		e := b[rntiListOffset+i*rntiEntrySize:]
		cd.RNTIs[i] = RntiDci{
			RNTI:   le.Uint16(e[0:2]),
			DLTBS:  le.Uint32(e[4:8]),
			DLPRB:  e[8],
			DLReTx: e[9],
			ULTBS:  le.Uint32(e[12:16]),
			ULPRB:  e[16],
			ULReTx: e[17],
		}
	}
	return cd, nil
}

func parseUeDci(b []byte) (UeDci, error) {
	if len(b) < ueDciSize {
		return UeDci{}, fmt.Errorf("%w: ue_dci %d < %d", ErrPayloadSize, len(b), ueDciSize)
	}
	le := binary.LittleEndian
	return UeDci{
		CellIdx:   b[0],
		Timestamp: le.Uint64(b[8:16]),
		TTI:       le.Uint16(b[16:18]),
		RNTI:      le.Uint16(b[18:20]),
		DLTBS:     le.Uint32(b[20:24]),
		DLReTx:    b[24],
		DLRVFlag:  b[25] != 0,
		ULTBS:     le.Uint32(b[28:32]),
		ULReTx:    b[32],
		ULRVFlag:  b[33] != 0,
	}, nil
}

func parseConfig(b []byte) (CellConfig, error) {
	if len(b) < cellConfigSize {
		return CellConfig{}, fmt.Errorf("%w: config %d < %d", ErrPayloadSize, len(b), cellConfigSize)
	}
	le := binary.LittleEndian
	c := CellConfig{NofCell: b[0], RNTI: le.Uint16(b[10:12])}
	for i := 0; i < MaxCells; i++ {
		c.CellPRB[i] = le.Uint16(b[2+i*2 : 4+i*2])
	}
	return c, nil
}
