package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("dead_lettered"), StatusDeadLettered)
	assert.Equal(t, JobStatus("cancelled"), StatusCancelled)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusDeadLettered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestJob_Defaults(t *testing.T) {
	job := &Job{}

	assert.Empty(t, job.ID)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 0, job.MaxAttempts)
	assert.False(t, job.CancelRequested)
}

func TestJob_Envelope(t *testing.T) {
	headers, err := json.Marshal(Headers{Death: &Death{Count: 2, OriginalQueue: "heavy"}})
	require.NoError(t, err)

	job := &Job{
		ID:      "job-1",
		Type:    "model.generate",
		Queue:   "model",
		Args:    []byte(`{"part":"bracket"}`),
		Attempt: 3,
		Headers: headers,
	}

	env := job.Envelope()
	assert.Equal(t, "job-1", env.TaskID)
	assert.Equal(t, "model.generate", env.Type)
	assert.Equal(t, "model", env.Queue)
	assert.JSONEq(t, `{"part":"bracket"}`, string(env.Payload))
	assert.Equal(t, 3, env.Headers.Attempt)
	require.NotNil(t, env.Headers.Death)
	assert.Equal(t, 2, env.Headers.Death.Count)
}

func TestJob_EnvelopeIgnoresMalformedHeaders(t *testing.T) {
	job := &Job{ID: "job-2", Args: []byte(`{}`), Headers: []byte(`not json`)}

	env := job.Envelope()
	assert.Nil(t, env.Headers.Death)
	assert.Equal(t, 0, env.Headers.Attempt)
}
