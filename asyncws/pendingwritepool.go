package asyncws

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	typ int                        // websocket frame type
	buf *bytebufferpool.ByteBuffer // payload
}

type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(typ int, payload []byte) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		p.m.newAcquire()
	} else {
		p.m.reuse()
	}

	pw := v.(*pendingWrite)
	pw.typ = typ
	pw.buf = bytebufferpool.Get()
	_, _ = pw.buf.Write(payload)
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	bytebufferpool.Put(pw.buf)
	pw.buf = nil
	p.sp.Put(pw)
	p.m.putBack()
}
