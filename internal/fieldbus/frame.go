package fieldbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Function codes.
const (
	FuncReadHoldingRegisters byte = 0x03
	FuncReadInputRegisters   byte = 0x04

	exceptionFlag byte = 0x80
)

const (
	// mbapSize covers transaction id, protocol id and length.
	mbapSize = 6
	// requestLength is the length field of a read request: unit, function, address, quantity.
	requestLength = 6
	// maxFrameLength bounds the length field of any frame.
	maxFrameLength = 254
	// MaxRegistersPerRead is the largest quantity a single read may request.
	MaxRegistersPerRead = 125
)

// Request is a register read request.
type Request struct {
	TransactionID uint16
	UnitID        uint8
	Function      byte
	Address       uint16
	Quantity      uint16
}

// Response is a decoded register read response. Exception is non-zero when the
// device rejected the request, in which case Registers is empty.
type Response struct {
	TransactionID uint16
	UnitID        uint8
	Function      byte
	Exception     byte
	Registers     []uint16
}

// EncodeRequest returns the 12-byte wire form of r.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, mbapSize+requestLength)
	binary.BigEndian.PutUint16(buf[0:], r.TransactionID)
	binary.BigEndian.PutUint16(buf[2:], 0)
	binary.BigEndian.PutUint16(buf[4:], requestLength)
	buf[6] = r.UnitID
	buf[7] = r.Function
	binary.BigEndian.PutUint16(buf[8:], r.Address)
	binary.BigEndian.PutUint16(buf[10:], r.Quantity)
	return buf
}

// DecodeRequest parses a frame returned by ReadFrame as a read request.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) != mbapSize+requestLength {
		return Request{}, fmt.Errorf("%w: request frame is %d bytes", ErrProtocol, len(frame))
	}
	if pid := binary.BigEndian.Uint16(frame[2:]); pid != 0 {
		return Request{}, fmt.Errorf("%w: protocol id %d", ErrProtocol, pid)
	}
	return Request{
		TransactionID: binary.BigEndian.Uint16(frame[0:]),
		UnitID:        frame[6],
		Function:      frame[7],
		Address:       binary.BigEndian.Uint16(frame[8:]),
		Quantity:      binary.BigEndian.Uint16(frame[10:]),
	}, nil
}

// EncodeResponse returns the wire form of r.
func EncodeResponse(r Response) []byte {
	if r.Exception != 0 {
		buf := make([]byte, mbapSize+3)
		binary.BigEndian.PutUint16(buf[0:], r.TransactionID)
		binary.BigEndian.PutUint16(buf[4:], 3)
		buf[6] = r.UnitID
		buf[7] = r.Function | exceptionFlag
		buf[8] = r.Exception
		return buf
	}

	byteCount := 2 * len(r.Registers)
	buf := make([]byte, mbapSize+3+byteCount)
	binary.BigEndian.PutUint16(buf[0:], r.TransactionID)
	binary.BigEndian.PutUint16(buf[4:], uint16(3+byteCount))
	buf[6] = r.UnitID
	buf[7] = r.Function
	buf[8] = byte(byteCount)
	for i, v := range r.Registers {
		binary.BigEndian.PutUint16(buf[9+2*i:], v)
	}
	return buf
}

// ReadFrame reads one complete frame, header included, using the length field
// to find its end.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, mbapSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > maxFrameLength {
		return nil, &ProtocolError{Detail: fmt.Sprintf("length field %d out of range", length), Desync: true}
	}

	frame := make([]byte, mbapSize+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// DecodeResponse parses a frame returned by ReadFrame as a read response.
func DecodeResponse(frame []byte) (Response, error) {
	if len(frame) < mbapSize+3 {
		return Response{}, &ProtocolError{Detail: fmt.Sprintf("response frame is %d bytes", len(frame))}
	}
	if pid := binary.BigEndian.Uint16(frame[2:]); pid != 0 {
		return Response{}, &ProtocolError{Detail: fmt.Sprintf("protocol id %d", pid)}
	}

	resp := Response{
		TransactionID: binary.BigEndian.Uint16(frame[0:]),
		UnitID:        frame[6],
		Function:      frame[7],
	}
	if resp.Function&exceptionFlag != 0 {
		resp.Function &^= exceptionFlag
		resp.Exception = frame[8]
		return resp, nil
	}

	byteCount := int(frame[8])
	if byteCount%2 != 0 || len(frame) != mbapSize+3+byteCount {
		return Response{}, &ProtocolError{Detail: fmt.Sprintf("byte count %d does not match frame size %d", byteCount, len(frame))}
	}
	resp.Registers = make([]uint16, byteCount/2)
	for i := range resp.Registers {
		resp.Registers[i] = binary.BigEndian.Uint16(frame[9+2*i:])
	}
	return resp, nil
}

// validateResponse checks that resp answers req.
func validateResponse(req Request, resp Response) error {
	if resp.TransactionID != req.TransactionID {
		return &ProtocolError{Detail: fmt.Sprintf("transaction id %d, expected %d", resp.TransactionID, req.TransactionID)}
	}
	if resp.Function != req.Function {
		return &ProtocolError{Detail: fmt.Sprintf("function 0x%02x, expected 0x%02x", resp.Function, req.Function)}
	}
	if resp.Exception != 0 {
		return &ProtocolError{Detail: exceptionText(resp.Exception), Exception: resp.Exception}
	}
	if len(resp.Registers) != int(req.Quantity) {
		return &ProtocolError{Detail: fmt.Sprintf("%d registers, expected %d", len(resp.Registers), req.Quantity)}
	}
	return nil
}
