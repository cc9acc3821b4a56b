package logsource

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/opst/knitops/pkg/cluster"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
)

// Decoder splits raw log output into lines.
type Decoder interface {
	// Next returns the next line and whether it comes from stderr.
	//
	// It returns io.EOF at the end of the output.
	Next() (line []byte, isErr bool, err error)
}

// NewDecoder returns a Decoder for the format.
func NewDecoder(r io.Reader, format cluster.LogFormat, logger *zap.Logger) Decoder {
	switch format {
	case cluster.FormatFramed:
		return NewFrameReader(r, logger)
	default:
		return NewLineReader(r)
	}
}

const (
	frameHeaderSize = 8

	// frames larger than this are not log output.
	maxFrameSize = 16 << 20
)

// stream types in frame headers
const (
	streamStdin byte = iota
	streamStdout
	streamStderr
	streamSystemErr
)

// FrameReader decodes multiplexed log output.
//
// Each frame has a header of 8 bytes: stream type (1 byte), padding (3 bytes)
// and payload length (big endian uint32), followed by the payload.
//
// A frame cut off by the end of the output is discarded.
// It is logged as ErrStreamProtocol, and Next returns io.EOF.
type FrameReader struct {
	r      io.Reader
	logger *zap.Logger

	header     [frameHeaderSize]byte
	pending    [][]byte
	pendingErr bool
}

func NewFrameReader(r io.Reader, logger *zap.Logger) *FrameReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameReader{r: r, logger: logger}
}

func (f *FrameReader) Next() ([]byte, bool, error) {
	for len(f.pending) == 0 {
		payload, kind, err := f.frame()
		if err != nil {
			return nil, false, err
		}
		f.pending = splitLines(payload)
		f.pendingErr = kind == streamStderr || kind == streamSystemErr
	}

	line := f.pending[0]
	f.pending = f.pending[1:]
	return line, f.pendingErr, nil
}

func (f *FrameReader) frame() ([]byte, byte, error) {
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			f.logger.Warn("partial frame header is discarded", zap.Error(kerr.ErrStreamProtocol))
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}

	kind := f.header[0]
	size := binary.BigEndian.Uint32(f.header[4:])
	if streamSystemErr < kind || maxFrameSize < size {
		f.logger.Warn(
			"malformed frame header",
			zap.Error(kerr.ErrStreamProtocol),
			zap.Uint8("stream", kind),
			zap.Uint32("size", size),
		)
		return nil, 0, io.EOF
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			f.logger.Warn(
				"partial frame is discarded",
				zap.Error(kerr.ErrStreamProtocol),
				zap.Uint32("size", size),
			)
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	return payload, kind, nil
}

func splitLines(payload []byte) [][]byte {
	lines := bytes.SplitAfter(payload, []byte("\n"))
	if last := len(lines) - 1; 0 <= last && len(lines[last]) == 0 {
		lines = lines[:last]
	}
	return lines
}

// LineReader decodes newline delimited log output.
//
// The last line without newline is also a line.
type LineReader struct {
	r *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

func (l *LineReader) Next() ([]byte, bool, error) {
	line, err := l.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && 0 < len(line) {
			return line, false, nil
		}
		return nil, false, err
	}
	return line, false, nil
}
