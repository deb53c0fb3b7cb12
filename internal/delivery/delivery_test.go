package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDeliverer(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	err := Log{Logger: logger}.Deliver(context.Background(), Request{ExportID: "x1", Attempt: 2, Recipients: []string{"capt@example.com"}})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "x1", line["export_id"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Deliver(context.Background(), Request{ExportID: "a"}))
	r.SetErr(errors.New("relay down"))
	assert.Error(t, r.Deliver(context.Background(), Request{ExportID: "a"}))
	assert.Equal(t, 2, r.Count())
}

func TestServiceBusRequiresConnectionString(t *testing.T) {
	_, err := NewServiceBus("", "q")
	assert.Error(t, err)
}
