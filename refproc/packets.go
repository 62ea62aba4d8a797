package refproc

import (
	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/slot"
)

// drainPacket processes one discovered list.
type drainPacket struct {
	p     *Processor
	kind  Kind
	shard int
	head  slot.Ref
}

func (d *drainPacket) Do(w *gcwork.Worker) {
	p := d.p
	stats := &p.stats[d.kind]
	retain := d.kind == Soft && p.host.IsEmergencyCollection()
	enqueued := 0

	kept, out := iterate(p.model, d.head, func(ref slot.Ref) verdict {
		referent := p.model.ReferentSlot(ref)
		r := referent.Load()
		switch {
		case r.IsNull():
			return drop
		case p.model.IsLive(r):
			referent.Store(p.tracer.TraceObject(w, r))
			stats.forwarded.Inc()
			enqueued++
			return enqueue
		case retain:
			referent.Store(p.tracer.TraceObject(w, r))
			stats.retained.Inc()
			return drop
		case d.kind == Final:
			stats.kept.Inc()
			return keep
		default:
			referent.Store(slot.Null)
			stats.cleared.Inc()
			return drop
		}
	})

	if d.kind == Final {
		if asserts && !kept.empty() {
			checkTerminated(p.model, kept)
		}
		p.lists[Final][d.shard].store(kept.head)
	} else if !kept.empty() {
		diagnostics.Fatal("refproc", "%s list kept node %#x", d.kind, uintptr(kept.head))
	}
	if !out.empty() {
		p.enqueue(out, d.kind, enqueued)
	}
	p.tracer.Flush(w)
}

// resurrectPacket traces the referents of one final list and enqueues it.
type resurrectPacket struct {
	p    *Processor
	head slot.Ref
}

func (r *resurrectPacket) Do(w *gcwork.Worker) {
	p := r.p
	n := 0
	kept, _ := iterate(p.model, r.head, func(ref slot.Ref) verdict {
		referent := p.model.ReferentSlot(ref)
		if v := referent.Load(); !v.IsNull() {
			referent.Store(p.tracer.TraceObject(w, v))
		}
		n++
		return keep
	})
	if !kept.empty() {
		p.enqueue(kept, Final, n)
	}
	p.tracer.Flush(w)
}
