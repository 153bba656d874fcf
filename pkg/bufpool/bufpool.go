// Package bufpool 复用编码用的 bytes.Buffer：每批报价都要编码一次，热路径上不再每次分配。
package bufpool

import (
	"bytes"
	"sync"
)

// 超过这个容量的不回收，避免一次超大批次把池子里的 buffer 都撑大
const maxPooled = 1 << 20

var pool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4<<10))
	},
}

// Get 拿到的 buffer 已 Reset
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put 之后调用方不能再引用 b 或 b.Bytes()
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooled {
		return
	}
	pool.Put(b)
}
