package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionUpdateData(t *testing.T) {
	data := ExecutionUpdateData{
		ExecutionID: "exec_1",
		PipelineID:  "pipe_1",
		Symbol:      "AAPL",
		Status:      "running",
		Version:     3,
	}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "AAPL")

	var unmarshaled ExecutionUpdateData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
	assert.Equal(t, ExecutionUpdate, (&data).EventType())
}

func TestApprovalRequestedData(t *testing.T) {
	data := ApprovalRequestedData{
		ExecutionID:   "exec_1",
		ApprovalToken: "tok_abc",
		Symbol:        "AAPL",
		ExpiresAt:     time.Now().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)

	var unmarshaled ApprovalRequestedData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
	assert.Equal(t, ApprovalRequested, (&data).EventType())
}

func TestPositionClosedData(t *testing.T) {
	data := PositionClosedData{ExecutionID: "exec_1", Symbol: "AAPL", PnL: 42.5, ExitReason: "take_profit"}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)

	var unmarshaled PositionClosedData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
}

func TestMonitoringStalledData(t *testing.T) {
	data := MonitoringStalledData{ExecutionID: "exec_1", Symbol: "AAPL", BrokerErrorCount: 5, LastError: "timeout"}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)

	var unmarshaled MonitoringStalledData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	original := Event{
		Type:        ApprovalRequested,
		ExecutionID: "exec_1",
		UserID:      "user_1",
		At:          time.Now().UTC().Truncate(time.Second),
		Data: &ApprovalRequestedData{
			ExecutionID:   "exec_1",
			ApprovalToken: "tok_abc",
			Symbol:        "AAPL",
			ExpiresAt:     "2026-07-29T12:00:00Z",
		},
	}

	jsonData, err := json.Marshal(&original)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(jsonData, &decoded))

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, original.UserID, decoded.UserID)
	assert.True(t, original.At.Equal(decoded.At))

	decodedData, ok := decoded.Data.(*ApprovalRequestedData)
	require.True(t, ok)
	assert.Equal(t, original.Data, decodedData)
}

func TestEventEnvelopeUnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := []byte(`{"type":"something_new","execution_id":"exec_1","at":"2026-07-29T12:00:00Z","data":{"foo":"bar"}}`)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, "bar", generic.Data["foo"])
}
