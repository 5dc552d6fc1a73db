package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Status is the result word of a transport response frame
type Status uint32

// Response statuses
const (
	StatusOK                 Status = 0
	StatusInsufficientBuffer Status = 1
	StatusInvalidRequest     Status = 2
	StatusFailure            Status = 3
)

const (
	requestFrameSize  = 8
	responseFrameSize = 8

	// DefaultMaxRequest caps the output size a client may ask for
	DefaultMaxRequest = 16 << 20
)

// RemoteError carries the message of a failed request
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "request failed: " + e.Message
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInsufficientBuffer):
		return StatusInsufficientBuffer
	case errors.Is(err, ErrInvalidRequest):
		return StatusInvalidRequest
	default:
		return StatusFailure
	}
}

func errorOf(status Status, payload []byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusInsufficientBuffer:
		return ErrInsufficientBuffer
	case StatusInvalidRequest:
		return ErrInvalidRequest
	case StatusFailure:
		return &RemoteError{Message: string(payload)}
	}
	return fmt.Errorf("unknown response status %d", status)
}

func writeRequest(w io.Writer, code Code, outSize uint32) error {
	var frame [requestFrameSize]byte
	binary.LittleEndian.PutUint32(frame[0:], uint32(code))
	binary.LittleEndian.PutUint32(frame[4:], outSize)
	_, err := w.Write(frame[:])
	return err
}

func readRequest(r io.Reader) (Code, uint32, error) {
	var frame [requestFrameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return 0, 0, err
	}
	return Code(binary.LittleEndian.Uint32(frame[0:])), binary.LittleEndian.Uint32(frame[4:]), nil
}

func writeResponse(w io.Writer, status Status, payload []byte) error {
	frame := make([]byte, responseFrameSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(status))
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(payload)))
	copy(frame[responseFrameSize:], payload)
	_, err := w.Write(frame)
	return err
}

func readResponse(r io.Reader, maxPayload uint32) (Status, []byte, error) {
	var frame [responseFrameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return 0, nil, err
	}
	status := Status(binary.LittleEndian.Uint32(frame[0:]))
	length := binary.LittleEndian.Uint32(frame[4:])
	if length > maxPayload {
		return 0, nil, fmt.Errorf("response payload of %d bytes exceeds %d", length, maxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return status, payload, nil
}
