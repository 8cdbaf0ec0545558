package gateway

import (
	"testing"
	"time"

	"github.com/code-100-precent/xiaozhi-gateway/pkg/gateway/errhandler"
	"github.com/code-100-precent/xiaozhi-gateway/pkg/pipeline"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViolationMetric(t *testing.T) {
	srv := startServer(t, testConfig(), &stubBackend{})
	before := testutil.ToFloat64(protocolViolations.WithLabelValues(violationNotHello))

	conn := dial(t, srv, "dev-metric")
	sendJSON(t, conn, map[string]interface{}{"type": "ping"})
	require.Equal(t, websocket.ClosePolicyViolation, expectClose(t, conn))

	assert.Equal(t, before+1, testutil.ToFloat64(protocolViolations.WithLabelValues(violationNotHello)))
}

func TestTurnMetrics(t *testing.T) {
	backend := &stubBackend{result: &pipeline.Result{Text: "hi"}}
	srv := startServer(t, testConfig(), backend)
	conn := handshake(t, srv, "dev-turns")

	okBefore := testutil.ToFloat64(turnOutcomes.WithLabelValues("ok"))
	abortBefore := testutil.ToFloat64(turnOutcomes.WithLabelValues(errhandler.CodeAborted))
	bytesBefore := testutil.ToFloat64(audioBytes)

	sendJSON(t, conn, map[string]interface{}{"type": "start_listen"})
	readUntil(t, conn, "start_listen")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	sendJSON(t, conn, map[string]interface{}{"type": "stop_listen"})
	readUntil(t, conn, "recognition_result")

	sendJSON(t, conn, map[string]interface{}{"type": "start_listen"})
	readUntil(t, conn, "start_listen")
	sendJSON(t, conn, map[string]interface{}{"type": "abort"})
	readUntil(t, conn, "error")

	assert.Equal(t, okBefore+1, testutil.ToFloat64(turnOutcomes.WithLabelValues("ok")))
	assert.Equal(t, abortBefore+1, testutil.ToFloat64(turnOutcomes.WithLabelValues(errhandler.CodeAborted)))
	assert.Equal(t, bytesBefore+4, testutil.ToFloat64(audioBytes))
}

func TestConnectedDevicesGauge(t *testing.T) {
	srv := startServer(t, testConfig(), &stubBackend{})
	before := testutil.ToFloat64(connectedDevices)

	conn := handshake(t, srv, "dev-gauge")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(connectedDevices) == before+1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(connectedDevices) == before
	}, 2*time.Second, 10*time.Millisecond)
}
