package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/otuscore/internal/dissect"
)

func TestNewDefaultsToInfoLevelAndTextFormat(t *testing.T) {
	logger := New(Config{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestNewHonorsJSONFormat(t *testing.T) {
	logger := New(Config{Format: "json"})
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestNewParsesInvalidLevelAsInfo(t *testing.T) {
	logger := New(Config{Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestMirrorDissectLogWritesAtMatchingSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Level: "debug"})
	logger.SetOutput(&buf)

	sink := MirrorDissectLog(logger)
	sink(dissect.Log{Level: dissect.LevelWarn, Domain: "dissect.sip", Message: "short header"})

	require.Contains(t, buf.String(), "short header")
	require.Contains(t, buf.String(), "dissect.sip")
	assert.Contains(t, buf.String(), `"level":"warning"`)
}
