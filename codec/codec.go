// Package codec encodes outbound scheduler calls and decodes inbound
// RecordIO-framed event streams for both the json and protobuf Mesos
// Scheduler HTTP API content types.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/gogo/protobuf/proto"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
	"github.com/pkg/errors"
)

// Format selects the wire content type.
type Format string

const (
	JSON     Format = "json"
	Protobuf Format = "protobuf"
)

// ContentType returns the HTTP Content-Type / Accept value for f.
func (f Format) ContentType() string {
	switch f {
	case Protobuf:
		return "application/x-protobuf"
	default:
		return "application/json"
	}
}

// Encode marshals call per f. Neither mode frames the request body in
// RecordIO: the real Scheduler HTTP API only RecordIO-frames the inbound
// event stream, never an outbound call. json mode returns bare
// json.Marshal output and protobuf mode returns the bare proto bytes.
func Encode(f Format, call *sched.Call) ([]byte, error) {
	switch f {
	case Protobuf:
		b, err := proto.Marshal(call)
		if err != nil {
			return nil, errors.Wrap(err, "encode protobuf call")
		}
		return b, nil
	default:
		b, err := json.Marshal(call)
		if err != nil {
			return nil, errors.Wrap(err, "encode json call")
		}
		return b, nil
	}
}

// Decoder decodes a RecordIO-framed stream of events one record at a time.
// It is not safe for concurrent use; the session pulls one fragment (and
// therefore decodes at most the events contained in that fragment) at a
// time by construction.
type Decoder struct {
	format  Format
	pending bytes.Buffer
}

// NewDecoder creates a RecordIO event decoder for the given format. r is
// unused beyond documenting that the decoder consumes a sequence of
// appended body chunks, never a single blocking stream; chunks are fed in
// through DecodeEvents.
func NewDecoder(f Format, r io.Reader) *Decoder {
	return &Decoder{format: f}
}

// DecodeEvents decodes a single freshly-received body chunk into zero or
// more events. chunk is appended to any partial record left over from a
// previous call.
func (d *Decoder) DecodeEvents(chunk []byte) ([]*sched.Event, error) {
	d.pending.Write(chunk)

	var events []*sched.Event
	for {
		remaining := d.pending.Bytes()

		nl := bytes.IndexByte(remaining, '\n')
		if nl < 0 {
			break
		}

		length, err := strconv.Atoi(string(remaining[:nl]))
		if err != nil {
			return events, fmt.Errorf("malformed recordio length %q: %w", remaining[:nl], err)
		}

		frameStart := nl + 1
		if len(remaining) < frameStart+length {
			// Incomplete record: not enough has arrived yet.
			break
		}

		record := remaining[frameStart : frameStart+length]
		ev, err := decodeRecord(d.format, record)
		if err != nil {
			d.pending.Next(frameStart + length)
			return events, errors.Wrap(err, "decode event record")
		}
		events = append(events, ev)

		d.pending.Next(frameStart + length)
	}

	return events, nil
}

func decodeRecord(f Format, record []byte) (*sched.Event, error) {
	ev := new(sched.Event)
	switch f {
	case Protobuf:
		if err := proto.Unmarshal(record, ev); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(record, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}
