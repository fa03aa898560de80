package bridge

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbridge/taskbridge/internal/hub/event"
)

func TestConn_SendUsesSendFn(t *testing.T) {
	var got []byte
	c := &Conn{InstanceID: "w1", SendFn: func(data []byte) error {
		got = append([]byte(nil), data...)
		return nil
	}}

	require.NoError(t, c.Ping())

	var head frameHead
	require.NoError(t, json.Unmarshal(got, &head))
	assert.Equal(t, FramePing, head.Type)
}

func TestConn_SendEvent(t *testing.T) {
	var got []byte
	c := &Conn{InstanceID: "w1", SendFn: func(data []byte) error {
		got = append([]byte(nil), data...)
		return nil
	}}

	ev := event.MustNew(event.TypeLog, "j1", event.LogPayload{Level: "info", Message: "hi"})
	require.NoError(t, c.SendEvent(ev))

	var frame EventFrame
	require.NoError(t, json.Unmarshal(got, &frame))
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, "j1", frame.Event.JobID)
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	c := &Conn{InstanceID: "w1", SendFn: func([]byte) error { return nil }}
	c.Close(0, "")
	c.Close(0, "") // idempotent

	assert.Error(t, c.Ping())
}

func TestConn_SendNilSocketFails(t *testing.T) {
	c := &Conn{InstanceID: "w1"}
	assert.Error(t, c.Ping())
}

func TestConn_ConcurrentSendsSerialized(t *testing.T) {
	var mu sync.Mutex
	var count int
	c := &Conn{InstanceID: "w1", SendFn: func([]byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Ping()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, count)
}
