package executor

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const streamBufferSize = 64 * 1024

// streamLines drains r line by line until EOF. Each complete line is emitted
// to obs and appended to the returned buffer, in source order.
//
// A final line without a trailing newline still counts once EOF is reached.
// Any other read error (for example the pipe being closed after the drain
// grace) stops the streamer; a half-read fragment is dropped and the lines
// already buffered are returned untouched.
func streamLines(runID string, stream Stream, r io.Reader, obs Observer) []string {
	var lines []string
	reader := bufio.NewReaderSize(r, streamBufferSize)

	for {
		line, err := reader.ReadString('\n')
		if err == nil || (errors.Is(err, io.EOF) && line != "") {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			obs.Emit(LogEvent(runID, stream, line))
			lines = append(lines, line)
		}
		if err != nil {
			return lines
		}
	}
}
