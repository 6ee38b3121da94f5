package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	Component("chat").WithField("user", "u1").Debug("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "chat", line["component"])
	assert.Equal(t, "u1", line["user"])
	assert.Equal(t, "hello", line["msg"])
}

func TestSetupLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup("warn", "text", &buf))
	Component("x").Info("hidden")
	assert.Empty(t, buf.String())

	assert.Error(t, Setup("chatty", "text", &buf))
	require.NoError(t, Setup("info", "text", nil))
}
