package dex

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memDebts struct {
	saved []Debt
	err   error
}

func (m *memDebts) SaveDebt(d Debt) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, d)
	return nil
}

func TestReconciliationLogRecordsAndJournals(t *testing.T) {
	j := &memDebts{}
	r := NewReconciliationLog(j, func() time.Time { return t0 }, zaptest.NewLogger(t).Sugar())

	d := r.Record(Debt{TradeID: "t1", OrderID: "o1", Stage: "taker_finalize", Error: "boom"})
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, t0, d.CreatedAt)
	require.Len(t, j.saved, 1)
	assert.Equal(t, d, j.saved[0])

	j.err = errors.New("disk full")
	r.Record(Debt{TradeID: "t2"})
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "t1", r.List()[0].TradeID)
}

func TestReconciliationLogLoadDoesNotRejournal(t *testing.T) {
	j := &memDebts{}
	r := NewReconciliationLog(j, nil, nil)
	r.Load([]Debt{{ID: "d1", TradeID: "t1"}, {ID: "d2", TradeID: "t2"}})
	assert.Equal(t, 2, r.Len())
	assert.Empty(t, j.saved)
}
