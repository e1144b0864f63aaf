package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNATS struct {
	subject string
	data    []byte
	err     error
	drained bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSNotifier_Publish(t *testing.T) {
	conn := &fakeNATS{}
	n := &NATSNotifier{conn: conn, subject: DefaultNATSSubject}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := n.Publish(context.Background(), Change{
		Kind:         KindPermissionGranted,
		PermissionID: "p-1",
		NodeID:       "n-1",
		UserIDs:      []string{"u-1"},
		At:           at,
	})
	require.NoError(t, err)
	assert.Equal(t, "ekko.access.changed", conn.subject)

	var got Change
	require.NoError(t, json.Unmarshal(conn.data, &got))
	assert.Equal(t, KindPermissionGranted, got.Kind)
	assert.Equal(t, []string{"u-1"}, got.UserIDs)
	assert.True(t, at.Equal(got.At))

	require.NoError(t, n.Close())
	assert.True(t, conn.drained)
}

func TestNATSNotifier_CanceledContext(t *testing.T) {
	conn := &fakeNATS{}
	n := &NATSNotifier{conn: conn, subject: DefaultNATSSubject}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Publish(ctx, Change{Kind: KindNodeMoved})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, conn.data)
}

func TestNATSNotifier_ConnectFails(t *testing.T) {
	_, err := NewNATSNotifier("nats://127.0.0.1:1", DefaultNATSSubject, nil)
	assert.Error(t, err)
}

func TestRedisNotifier_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultRedisChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n := NewRedisNotifierFromClient(client, DefaultRedisChannel)
	require.NoError(t, n.Publish(ctx, Change{Kind: KindPermissionRevoked, PermissionID: "p-9"}))

	select {
	case msg := <-sub.Channel():
		var got Change
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, KindPermissionRevoked, got.Kind)
		assert.Equal(t, "p-9", got.PermissionID)
		assert.False(t, got.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewRedisNotifier_FromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	n, err := NewRedisNotifier(context.Background(), "redis://"+mr.Addr()+"/0", DefaultRedisChannel)
	require.NoError(t, err)
	defer n.Close()

	assert.NoError(t, n.Publish(context.Background(), Change{Kind: KindUserChanged}))
}

func TestNew_Drivers(t *testing.T) {
	n, err := New(context.Background(), Options{Driver: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, n)

	_, err = New(context.Background(), Options{Driver: "kafka"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	n, err = New(context.Background(), Options{Driver: "redis", RedisURL: "redis://" + mr.Addr(), Subject: DefaultNATSSubject}, nil)
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, DefaultRedisChannel, n.(*RedisNotifier).channel)
}

type failingNotifier struct{ Nop }

func (failingNotifier) Publish(context.Context, Change) error { return errors.New("sink down") }

func TestPublish_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Publish(context.Background(), failingNotifier{}, logger, Change{Kind: KindPermissionExpired})

	assert.Contains(t, buf.String(), "publishing access change failed")
	assert.Contains(t, buf.String(), "sink down")

	Publish(context.Background(), nil, logger, Change{})
}
