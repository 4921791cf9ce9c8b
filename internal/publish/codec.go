// Package publish encodes snapshots into the outbox and delivers outbox
// records to configured sinks.
package publish

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ContentType is the media type sinks receive for e.
func (e Encoding) ContentType() string {
	if e == EncodingCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// cborEnc uses Core Deterministic Encoding so equal values always produce
// equal bytes, which the fingerprint relies on.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("publish: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}.DecMode()
	if err != nil {
		panic("publish: CBOR decoder initialization failed: " + err.Error())
	}
}

func Encode(e Encoding, v any) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return json.Marshal(v)
	case EncodingCBOR:
		return cborEnc.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown encoding %q", e)
	}
}

func Decode(e Encoding, data []byte, v any) error {
	switch e {
	case EncodingJSON:
		return json.Unmarshal(data, v)
	case EncodingCBOR:
		return cborDec.Unmarshal(data, v)
	default:
		return fmt.Errorf("unknown encoding %q", e)
	}
}
