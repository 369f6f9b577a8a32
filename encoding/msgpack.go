// Package encoding provides the msgpack codec used for checkpoint records
// and msgpack event payloads. All msgpack operations go through this package.
//
// Marshal sorts map keys so that equal rows always produce equal bytes.
// Unmarshal decodes strings into interface{} as Go strings, not []byte.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
