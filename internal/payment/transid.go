package payment

import (
	"fmt"
	"sync"
	"time"
)

const maxAppTransIDLen = 40

// idGenerator issues strictly increasing (millisecond, sequence) pairs so
// that ids minted by one process never repeat, even for calls landing in
// the same millisecond.
type idGenerator struct {
	mu     sync.Mutex
	loc    *time.Location
	now    func() time.Time
	lastMS int64
	seq    int
}

func newIDGenerator(loc *time.Location) *idGenerator {
	return &idGenerator{loc: loc, now: time.Now}
}

func (g *idGenerator) next() (time.Time, string) {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.lastMS {
		ms = g.lastMS
		g.seq++
		if g.seq > 999 {
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	seq := g.seq
	g.mu.Unlock()

	t := time.UnixMilli(ms).In(g.loc)
	suffix := fmt.Sprintf("%s%03d%03d", t.Format("150405"), t.Nanosecond()/int(time.Millisecond), seq)
	return t, suffix
}

// appTransID returns yymmdd_<orderID>_<suffix> plus the instant it encodes.
// ZaloPay requires the yymmdd prefix in Vietnam time and caps the id at 40
// characters.
func (g *idGenerator) appTransID(orderID string) (string, time.Time, error) {
	if orderID == "" {
		return "", time.Time{}, ErrInvalidOrderID
	}
	t, suffix := g.next()
	id := fmt.Sprintf("%s_%s_%s", t.Format("060102"), orderID, suffix)
	if len(id) > maxAppTransIDLen {
		return "", time.Time{}, fmt.Errorf("%w: %q is too long", ErrInvalidOrderID, orderID)
	}
	return id, t, nil
}

// mRefundID returns yymmdd_<appID>_<suffix> as the refund API expects.
func (g *idGenerator) mRefundID(appID string) (string, time.Time) {
	t, suffix := g.next()
	return fmt.Sprintf("%s_%s_%s", t.Format("060102"), appID, suffix), t
}
