// Package exchange implements the consistent-hash exchange channel:
// the shuffle primitive that routes each row of a chunk to one
// of N downstream queues based on a vnode mapping, and the hot data
// path whose correctness the barrier protocol depends on.
//
// Queues are bounded channels with explicit backpressure: send blocks
// when a downstream queue is full.
package exchange

import (
	"context"

	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/vnode"
)

// Row is a single record's key columns, used only to compute its
// vnode; the sender otherwise treats rows opaquely via Visibility.
type Row struct {
	Key [][]byte
}

// Chunk is a columnar record batch with an optional visibility mask.
// A nil Visibility means every row in NumRows is visible.
type Chunk struct {
	Visibility []bool
	Rows       []Row
	NumRows    int
}

func (c Chunk) isVisible(i int) bool {
	if c.Visibility == nil {
		return true
	}
	return c.Visibility[i]
}

// cardinality returns the number of visible rows.
func (c Chunk) cardinality() int {
	n := 0
	for i := 0; i < c.NumRows; i++ {
		if c.isVisible(i) {
			n++
		}
	}
	return n
}

// withVisibility returns a derived chunk sharing c's columnar data
// (here, Rows) but restricted to vis, intersected with c's own
// visibility.
func (c Chunk) withVisibility(vis []bool) Chunk {
	merged := make([]bool, c.NumRows)
	for i := range merged {
		merged[i] = vis[i] && c.isVisible(i)
	}
	return Chunk{Rows: c.Rows, NumRows: c.NumRows, Visibility: merged}
}

// message is what flows over the internal per-downstream channel: a
// data chunk, or the end-of-stream sentinel (nil Chunk pointer).
type message struct {
	chunk *Chunk
}

// ErrBrokenChannel is raised when a receiver observes channel closure
// without ever having seen EndOfStream. Early close is an error, not
// a graceful shutdown.
var ErrBrokenChannel = metaerrors.New(metaerrors.Internal, "BrokenChannel: channel closed before end of stream")

// Sender fans a chunk stream out to N downstream queues keyed by
// consistent-hash vnode mapping.
type Sender struct {
	outputs []chan message
	vmap    vnode.Mapping
}

// Receiver is one of a Sender's N downstream queues.
type Receiver struct {
	input  chan message
	sawEOS bool
}

// New builds a consistent-hash exchange with outputCount downstream
// queues, each with the given bounded capacity. vmap maps a hashed
// vnode to a sink index in [0, outputCount).
func New(vmap vnode.Mapping, outputCount, capacity int) (*Sender, []*Receiver) {
	outputs := make([]chan message, outputCount)
	receivers := make([]*Receiver, outputCount)
	for i := range outputs {
		outputs[i] = make(chan message, capacity)
		receivers[i] = &Receiver{input: outputs[i]}
	}
	return &Sender{outputs: outputs, vmap: vmap}, receivers
}

// sinkOf maps vnode v to a downstream index. Callers are expected to
// supply a vmap whose PUIDs are exactly the sink ordinals 0..N-1 (the
// scheduler's vnode.Mapping, reindexed to sink position); see
// NewSinkMapping.
func (s *Sender) sinkOf(v vnode.VirtualNode) int {
	return int(s.vmap.At(v))
}

// NewSinkMapping builds a vnode.Mapping suitable for use with Send,
// where sinks[i] is the list of vnodes routed to downstream queue i.
func NewSinkMapping(sinks [][]vnode.VirtualNode) (vnode.Mapping, error) {
	byPU := make(map[vnode.PUID]vnode.Bitmap, len(sinks))
	for sink, vs := range sinks {
		bm := vnode.NewBitmap()
		for _, v := range vs {
			bm.Set(v)
		}
		byPU[vnode.PUID(sink)] = bm
	}
	return vnode.FromBitmaps(byPU)
}

// Send routes one chunk to its downstream queues, restricting each
// derived chunk's visibility to the rows that hash to it, and only
// emitting chunks with cardinality > 0. It
// blocks if any target queue is full, the only backpressure source
// between actors in a fragment pair.
func (s *Sender) Send(ctx context.Context, chunk Chunk) error {
	sinkFor := make([]int, chunk.NumRows)
	for i := 0; i < chunk.NumRows; i++ {
		if !chunk.isVisible(i) {
			continue
		}
		v := vnode.HashKey(chunk.Rows[i].Key)
		sinkFor[i] = s.sinkOf(v)
	}

	for sink := range s.outputs {
		vis := make([]bool, chunk.NumRows)
		for i := 0; i < chunk.NumRows; i++ {
			vis[i] = chunk.isVisible(i) && sinkFor[i] == sink
		}
		derived := chunk.withVisibility(vis)
		if derived.cardinality() == 0 {
			continue
		}
		select {
		case s.outputs[sink] <- message{chunk: &derived}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CloseWithEndOfStream emits EndOfStream to every downstream queue and
// closes them.
func (s *Sender) CloseWithEndOfStream(ctx context.Context) error {
	for _, out := range s.outputs {
		select {
		case out <- message{chunk: nil}:
		case <-ctx.Done():
			return ctx.Err()
		}
		close(out)
	}
	return nil
}

// Recv returns the next chunk, or (nil, nil) on EndOfStream. Observing
// channel closure before EndOfStream raises ErrBrokenChannel.
func (r *Receiver) Recv(ctx context.Context) (*Chunk, error) {
	select {
	case msg, ok := <-r.input:
		if !ok {
			if r.sawEOS {
				return nil, nil
			}
			return nil, ErrBrokenChannel
		}
		if msg.chunk == nil {
			r.sawEOS = true
			return nil, nil
		}
		return msg.chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
