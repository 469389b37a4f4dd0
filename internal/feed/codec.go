package feed

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// The cross-instance envelope is CBOR with deterministic encoding. Times keep
// nanosecond precision and UUIDs travel as their text form.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("feed: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("feed: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeMessage(msg Message) ([]byte, error) {
	return encMode.Marshal(msg)
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	err := decMode.Unmarshal(data, &msg)
	return msg, err
}
