package filter

import (
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/vector"
)

// MinMax is the value range of one numeric column.
type MinMax struct {
	Valid   bool
	IsFloat bool
	MinI    int64
	MaxI    int64
	MinF    float64
	MaxF    float64
}

func (m *MinMax) observe(dt datatype.DataType, v []byte) {
	switch dt.Type {
	case datatype.Float, datatype.Double:
		f, _ := vector.DecodeFloat(v)
		if !m.Valid {
			m.Valid, m.IsFloat, m.MinF, m.MaxF = true, true, f, f
			return
		}
		m.MinF = min(m.MinF, f)
		m.MaxF = max(m.MaxF, f)
	default:
		i := vector.DecodeInt(v)
		if !m.Valid {
			m.Valid, m.MinI, m.MaxI = true, i, i
			return
		}
		m.MinI = min(m.MinI, i)
		m.MaxI = max(m.MaxI, i)
	}
}

func (m *MinMax) merge(o MinMax) {
	if !o.Valid {
		return
	}
	if !m.Valid {
		*m = o
		return
	}
	m.MinI, m.MaxI = min(m.MinI, o.MinI), max(m.MaxI, o.MaxI)
	m.MinF, m.MaxF = min(m.MinF, o.MinF), max(m.MaxF, o.MaxF)
}

// OverlapsInt reports whether [lo, hi] intersects the integer range.
func (m MinMax) OverlapsInt(lo, hi int64) bool {
	if !m.Valid || m.IsFloat {
		return true
	}
	return lo <= m.MaxI && hi >= m.MinI
}

// OverlapsFloat reports whether [lo, hi] intersects the float range.
func (m MinMax) OverlapsFloat(lo, hi float64) bool {
	if !m.Valid || !m.IsFloat {
		return true
	}
	return lo <= m.MaxF && hi >= m.MinF
}
