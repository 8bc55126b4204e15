package dbusclient

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceName(t *testing.T) {
	assert.Equal(t, "wg-quick@wg0.service", ServiceName("wg0"))
}

func TestDisabledManagerOnlyLogs(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)

	m := New(false, logger)
	require.NoError(t, m.RestartService(context.Background(), "wg0"))
	require.NoError(t, m.StopService(context.Background(), "wg0"))
	require.NoError(t, m.Close())

	assert.Contains(t, out.String(), "simulating unit job")
	assert.Contains(t, out.String(), "RestartUnit")
	assert.Contains(t, out.String(), "StopUnit")
	assert.Nil(t, m.conn)
}
