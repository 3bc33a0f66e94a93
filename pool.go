package sqlsession

import (
	"bytes"
	"sync"
)

var readerPool = sync.Pool{
	New: func() any {
		return bytes.NewReader(nil)
	},
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var idBufferPool = sync.Pool{
	New: func() any {
		// 60 bytes: 20 bytes of raw entropy followed by its 40 byte hex form.
		b := make([]byte, idEntropyBytes+idLength)
		return &b
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool.
// Serialized session values can hold credentials, so the backing array is
// zeroed before anyone else can borrow it.
func PutBuffer(buf *bytes.Buffer) {
	clear(buf.Bytes())
	buf.Reset()
	bufferPool.Put(buf)
}
