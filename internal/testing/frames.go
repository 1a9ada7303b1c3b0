package testing

import (
	"time"

	"github.com/valyala/fastjson"
)

// Drain collects frames from ch until it stays silent for wait or gets closed
func Drain(ch <-chan []byte, wait time.Duration) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-time.After(wait):
			return frames
		}
	}
}

// EventTypes returns the "type" field of every frame, "" for frames that are not JSON objects
func EventTypes(frames [][]byte) []string {
	var p fastjson.Parser
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		v, err := p.ParseBytes(f)
		if err != nil {
			types = append(types, "")
			continue
		}
		types = append(types, string(v.GetStringBytes("type")))
	}
	return types
}

// Field parses frame and returns the value at keys, nil if absent or frame is malformed.
// The value is detached from the parser.
func Field(frame []byte, keys ...string) *fastjson.Value {
	v, err := fastjson.ParseBytes(frame)
	if err != nil {
		return nil
	}
	return v.Get(keys...)
}
