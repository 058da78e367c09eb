package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/logging"
)

func TestNew_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("debug", "json", &buf)

	log.Debug().Str("contract_id", "ctr-1").Msg("balance recomputed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "drawdown", line["svc"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "ctr-1", line["contract_id"])
	assert.Equal(t, "balance recomputed", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	for _, level := range []string{"", "loud"} {
		var buf bytes.Buffer
		log := logging.New(level, "json", &buf)

		log.Debug().Msg("hidden")
		assert.Empty(t, buf.String(), level)
		assert.Equal(t, zerolog.InfoLevel, log.GetLevel(), level)
	}
}

func TestNew_LevelIsCaseInsensitive(t *testing.T) {
	log := logging.New(" WARN ", "json", &bytes.Buffer{})

	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("info", "console", &buf)

	log.Info().Msg("billing run finished")

	assert.Contains(t, buf.String(), "billing run finished")
	assert.False(t, json.Valid(buf.Bytes()))
}
