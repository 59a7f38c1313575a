package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_JSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{LogLevel: zerolog.InfoLevel, Type: JSONLogger, Output: &buf})

	Auction.Info().Uint32("para", 2000).Msg("bid accepted")
	Auction.Debug().Msg("filtered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "auction", entry["component"])
	assert.Equal(t, "bid accepted", entry["message"])
	assert.EqualValues(t, 2000, entry["para"])
}

func TestInit_Console(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{LogLevel: zerolog.DebugLevel, Type: ConsoleLogger, Output: &buf})

	Leases.Debug().Msg("swept")
	assert.Contains(t, buf.String(), "| DEBUG |")
	assert.Contains(t, buf.String(), `message: "swept"`)
}

func TestParse(t *testing.T) {
	lvl, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	typ, err := ParseLoggerType("JSON")
	require.NoError(t, err)
	assert.Equal(t, JSONLogger, typ)

	_, err = ParseLoggerType("xml")
	require.Error(t, err)
}
