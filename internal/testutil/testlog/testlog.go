package testlog

import (
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/measctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logger returns a logger that writes through t.Log. Lines emitted by
// goroutines that outlive the test are dropped.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	w := &testWriter{t: t}
	t.Cleanup(w.close)
	out := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
