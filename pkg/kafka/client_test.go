package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"knowledge-ingest-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublish_KeysByFileID(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w)

	err := p.Publish(context.Background(), tasks.FileEvent{Type: tasks.FileCreated, FileID: "f1", UserID: 3})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "f1", string(w.msgs[0].Key))

	var got tasks.FileEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, tasks.FileCreated, got.Type)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestPublish_WriterError(t *testing.T) {
	p := NewPublisherWithWriter(&fakeWriter{err: errors.New("broker down")})
	err := p.Publish(context.Background(), tasks.FileEvent{FileID: "f1"})
	assert.ErrorContains(t, err, "broker down")
}
