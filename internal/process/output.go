package process

import (
	"bufio"
	"io"
	"log/slog"
)

const maxLine = 1 << 20

// forwardLines copies r line by line into the shared log, tagged with the
// stream name, and mirrors each line to file when set.
func forwardLines(log *slog.Logger, stream string, r io.Reader, file io.Writer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Text()
		log.Info(line, "stream", stream)
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
	}
	if err := sc.Err(); err != nil {
		log.Debug("output stream closed", "stream", stream, "error", err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}
