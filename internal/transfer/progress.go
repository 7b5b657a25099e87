package transfer

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ProgressFunc is called during a transfer with the host, bytes copied so
// far, and the expected total (0 if unknown).
type ProgressFunc func(host string, transferred, total int64)

type progressWriter struct {
	w           io.Writer
	host        string
	transferred int64
	total       int64
	onProgress  ProgressFunc
}

func newProgressWriter(w io.Writer, host string, total int64, fn ProgressFunc) *progressWriter {
	return &progressWriter{w: w, host: host, total: total, onProgress: fn}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)
	if pw.onProgress != nil {
		pw.onProgress(pw.host, pw.transferred, pw.total)
	}
	return n, err
}

// LogProgress returns a ProgressFunc that logs a host's transfer each time it
// crosses a step percent boundary.
func LogProgress(logger zerolog.Logger, step int) ProgressFunc {
	if step <= 0 || step > 100 {
		step = 25
	}
	var (
		mu   sync.Mutex
		last = make(map[string]int)
	)
	return func(host string, transferred, total int64) {
		if total <= 0 {
			return
		}
		pct := int(transferred * 100 / total)

		mu.Lock()
		report := pct/step > last[host]/step
		if report {
			last[host] = pct
		}
		mu.Unlock()

		if report {
			logger.Info().Str("host", host).Int("percent", pct).Int64("bytes", transferred).Msg("transfer progress")
		}
	}
}
