package audit

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat converts a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", errors.InvalidInput("unknown audit format " + s)
}

// ContentType returns the MIME type of records in this format.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// Core Deterministic Encoding: the same message always produces the same
// bytes.
var cborEnc cbor.EncMode

// Decoding into any yields map[string]any, which FromMap understands.
var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes msg's map form.
func Encode(msg *message.Message, f Format) ([]byte, error) {
	m := msg.ToMap()
	switch f {
	case FormatCBOR:
		data, err := cborEnc.Marshal(m)
		if err != nil {
			return nil, errors.Wrap(err, "cbor encode", errors.WithMessageID(msg.ID()))
		}
		return data, nil
	case FormatJSON, "":
		data, err := json.Marshal(m)
		if err != nil {
			return nil, errors.Wrap(err, "json encode", errors.WithMessageID(msg.ID()))
		}
		return data, nil
	}
	return nil, errors.InvalidInput("unknown audit format " + string(f))
}

// Decode parses a record produced by Encode.
func Decode(data []byte, f Format) (*message.Message, error) {
	var m map[string]any
	switch f {
	case FormatCBOR:
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "cbor decode")
		}
	case FormatJSON, "":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "json decode")
		}
	default:
		return nil, errors.InvalidInput("unknown audit format " + string(f))
	}
	return message.FromMap(m)
}
