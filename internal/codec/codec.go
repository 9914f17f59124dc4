// Package codec selects the frame encoding spoken on a tree store websocket.
// The encoding is negotiated through the websocket subprotocol.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

type Codec interface {
	Marshaler
	Unmarshaler
	// Subprotocol is the websocket subprotocol announcing this codec.
	Subprotocol() string
	// Binary reports whether frames go out as binary messages.
	Binary() bool
}

const (
	JSONSubprotocol = "json"
	CBORSubprotocol = "cbor"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
func (jsonCodec) Subprotocol() string                  { return JSONSubprotocol }
func (jsonCodec) Binary() bool                         { return false }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
func (cborCodec) Subprotocol() string                    { return CBORSubprotocol }
func (cborCodec) Binary() bool                           { return true }

func JSON() Codec {
	return jsonCodec{}
}

func CBOR() Codec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

// Subprotocols lists every supported subprotocol, preferred first.
func Subprotocols() []string {
	return []string{CBORSubprotocol, JSONSubprotocol}
}

// ForSubprotocol returns the codec for name, falling back to JSON when the
// peer negotiated nothing.
func ForSubprotocol(name string) Codec {
	if name == CBORSubprotocol {
		return CBOR()
	}
	return JSON()
}
