package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwiprep/dwiprep/internal/domain"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	evt := domain.Event{
		ID:          "evt-1",
		Type:        domain.EventStageCompleted,
		RunID:       "run-1",
		Participant: "01",
		Stage:       domain.StageEddy,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	got, err := decodeEvent(redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": string(data)},
	})
	require.NoError(t, err)
	assert.Equal(t, evt, got)
}

func TestDecodeEventRejectsMalformedEntries(t *testing.T) {
	_, err := decodeEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.ErrorContains(t, err, "no data field")

	_, err = decodeEvent(redis.XMessage{
		ID:     "2-0",
		Values: map[string]interface{}{"data": "{not json"},
	})
	assert.ErrorContains(t, err, "decode entry 2-0")
}

func TestStreamKeyIsNamespaced(t *testing.T) {
	assert.Equal(t, "dwiprep:events:run.events", streamKey("run.events"))
}
