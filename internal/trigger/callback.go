package trigger

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// HTTPCallback posts the instance snapshot as JSON to url. The snapshot is
// taken synchronously; delivery runs on its own goroutine so a slow consumer
// never holds up report dispatch.
func HTTPCallback(client *http.Client, url string, logger zerolog.Logger) Callback {
	return func(m *Instance) {
		body, err := json.Marshal(m.Snapshot())
		if err != nil {
			logger.Error().Err(err).Msg("encode callback body")
			return
		}
		go postCallback(client, url, body, logger)
	}
}

func postCallback(client *http.Client, url string, body []byte, logger zerolog.Logger) {
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("callback delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("callback rejected")
	}
}
