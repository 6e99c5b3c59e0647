package qstage

import (
	"encoding/binary"

	"github.com/qpipe/qpipe/internal/qpage"
	"github.com/qpipe/qpipe/internal/qpacket"
	"github.com/qpipe/qpipe/internal/qtuple"
)

// scanPlan is a test double for an operator fingerprint: two scans over the
// same table with the same row count are mergeable.
type scanPlan struct {
	table string
	n     int
}

func (p scanPlan) Equal(other qpacket.Plan) bool {
	o, ok := other.(scanPlan)
	return ok && o.table == p.table && o.n == p.n
}

// scanStage is a minimal Stage double standing in for a real table scan: it
// emits int64-as-8-bytes-LE tuples 0..n-1 through the adaptor, in pages
// sized from the stage's own pool. onProgress, if set, is invoked with the
// cumulative tuple count after every flushed page, letting tests pause a
// run at a deterministic point (spec §8 scenario 4, "late mergee").
type scanStage struct {
	pool      qpage.PagePool
	tupleSize int
	pageSize  int
	onProgress func(cumulative int)
}

func (s *scanStage) Process(a *Adaptor) error {
	pk := a.GetPacket()
	plan := pk.Plan.(scanPlan)

	var tp *qtuple.TuplePage
	produced := 0

	flush := func() error {
		if tp == nil || tp.TupleCount() == 0 {
			return nil
		}
		err := a.Output(tp)
		s.pool.Unpin(tp.Page(), false)
		s.pool.Free(tp.Page())
		tp = nil
		if s.onProgress != nil {
			s.onProgress(produced)
		}
		return err
	}

	for i := 0; i < plan.n; i++ {
		if tp == nil {
			pg, err := s.pool.Alloc(s.pageSize)
			if err != nil {
				return err
			}
			s.pool.Pin(pg)
			tp, err = qtuple.Init(pg, s.tupleSize)
			if err != nil {
				return err
			}
		}
		buf := make([]byte, s.tupleSize)
		binary.LittleEndian.PutUint64(buf, uint64(i))
		ok, err := tp.Append(buf)
		if err != nil {
			return err
		}
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			pg, err := s.pool.Alloc(s.pageSize)
			if err != nil {
				return err
			}
			s.pool.Pin(pg)
			tp, err = qtuple.Init(pg, s.tupleSize)
			if err != nil {
				return err
			}
			if ok, err = tp.Append(buf); err != nil || !ok {
				return err
			}
		}
		produced++
	}
	return flush()
}

func scanFactory(pool qpage.PagePool, tupleSize, pageSize int, onProgress func(int)) Factory {
	return func() Stage {
		return &scanStage{pool: pool, tupleSize: tupleSize, pageSize: pageSize, onProgress: onProgress}
	}
}
