package executor

import (
	"encoding/binary"
	"io"
)

// Docker stream identifiers carried in the frame header
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// DockerLogScanner reads Docker's multiplexed log stream one frame at a time
type DockerLogScanner struct {
	reader io.Reader
	header [8]byte
	stream byte
	buffer []byte
	err    error
}

// NewDockerLogScanner creates a new Docker log scanner
func NewDockerLogScanner(reader io.Reader) *DockerLogScanner {
	return &DockerLogScanner{
		reader: reader,
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances the scanner to the next frame
func (s *DockerLogScanner) Scan() bool {
	// frame header: [8]byte{STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4}, size big-endian
	if _, err := io.ReadFull(s.reader, s.header[:]); err != nil {
		s.err = err
		return false
	}

	s.stream = s.header[0]
	size := int(binary.BigEndian.Uint32(s.header[4:]))

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		s.err = err
		return false
	}

	return true
}

// Stream returns the stream identifier of the current frame
func (s *DockerLogScanner) Stream() byte {
	return s.stream
}

// Bytes returns the current frame payload; valid until the next Scan
func (s *DockerLogScanner) Bytes() []byte {
	return s.buffer
}

// Text returns the current frame payload as a string
func (s *DockerLogScanner) Text() string {
	return string(s.buffer)
}

// Err returns any error that occurred during scanning
func (s *DockerLogScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
