package codec

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/go-proto/mesos/v1"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", JSON.ContentType())
	assert.Equal(t, "application/x-protobuf", Protobuf.ContentType())
}

func TestEncodeJSON(t *testing.T) {
	call := &sched.Call{
		Type: sched.Call_SUBSCRIBE.Enum(),
		Subscribe: &sched.Call_Subscribe{
			FrameworkInfo: &mesos.FrameworkInfo{Name: proto.String("f")},
		},
	}

	b, err := Encode(JSON, call)
	require.NoError(t, err)
	assert.Contains(t, string(b), "SUBSCRIBE")
}

func TestEncodeProtobuf(t *testing.T) {
	call := &sched.Call{
		Type: sched.Call_SUBSCRIBE.Enum(),
		Subscribe: &sched.Call_Subscribe{
			FrameworkInfo: &mesos.FrameworkInfo{Name: proto.String("f"), User: proto.String("root")},
		},
	}

	b, err := Encode(Protobuf, call)
	require.NoError(t, err)
	assert.NotEmpty(t, b)

	var decoded sched.Call
	require.NoError(t, proto.Unmarshal(b, &decoded))
	assert.Equal(t, "f", decoded.GetSubscribe().GetFrameworkInfo().GetName())
}

func frameJSON(t *testing.T, ev *sched.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return []byte(fmt.Sprintf("%d\n%s", len(b), b))
}

func TestDecodeEventsSingleFrame(t *testing.T) {
	ev := &sched.Event{Type: sched.Event_HEARTBEAT.Enum()}
	frame := frameJSON(t, ev)

	d := NewDecoder(JSON, nil)
	events, err := d.DecodeEvents(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sched.Event_HEARTBEAT, events[0].GetType())
}

func TestDecodeEventsMultipleFramesInOneChunk(t *testing.T) {
	var chunk []byte
	chunk = append(chunk, frameJSON(t, &sched.Event{Type: sched.Event_HEARTBEAT.Enum()})...)
	chunk = append(chunk, frameJSON(t, &sched.Event{Type: sched.Event_OFFERS.Enum()})...)

	d := NewDecoder(JSON, nil)
	events, err := d.DecodeEvents(chunk)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, sched.Event_HEARTBEAT, events[0].GetType())
	assert.Equal(t, sched.Event_OFFERS, events[1].GetType())
}

func TestDecodeEventsSplitAcrossChunks(t *testing.T) {
	frame := frameJSON(t, &sched.Event{Type: sched.Event_HEARTBEAT.Enum()})
	mid := len(frame) / 2

	d := NewDecoder(JSON, nil)

	events, err := d.DecodeEvents(frame[:mid])
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = d.DecodeEvents(frame[mid:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sched.Event_HEARTBEAT, events[0].GetType())
}

func TestDecodeEventsMalformedRecordLength(t *testing.T) {
	d := NewDecoder(JSON, nil)
	_, err := d.DecodeEvents([]byte("not-a-number\n{}"))
	require.Error(t, err)
}
