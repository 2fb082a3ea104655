package ledger

import (
	"math/bits"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// RequiredPerUser splits totalRequired across maxParticipants rounding up, so the
// per-user requirements always cover the total. Any surplus is withdrawable excess.
func RequiredPerUser(totalRequired uint64, maxParticipants uint32) uint64 {
	if maxParticipants == 0 {
		return 0
	}
	n := uint64(maxParticipants)
	q := totalRequired / n
	if totalRequired%n != 0 {
		q++
	}
	return q
}

// Vested is the provider payout unlocked at now: linear in elapsed usage time and
// clamped by both the full session cost and what participants actually deposited.
func Vested(sess model.Session, now time.Time) uint64 {
	if sess.StartTime == nil {
		return 0
	}
	start := *sess.StartTime
	t := now
	if stop := sess.StopAt(); t.After(stop) {
		t = stop
	}
	if !t.After(start) {
		return 0
	}
	elapsed := uint64(t.Sub(start) / time.Second)
	return min(sess.PricePerSecond*elapsed, sess.TotalRequired(), sess.TotalDeposited)
}

// FinalCost is what the provider is owed for a fully used session.
func FinalCost(sess model.Session) uint64 {
	return min(sess.TotalRequired(), sess.TotalDeposited)
}

// RefundShare is a participant's pro-rata share of the unused pool once the
// session is settled. Integer division truncates, so the shares may sum to less
// than the pool; that dust stays in custody and is never redistributed.
func RefundShare(sess model.Session, deposited uint64) uint64 {
	if sess.TotalDeposited == 0 || deposited == 0 {
		return 0
	}
	refundable := sess.TotalDeposited - FinalCost(sess)
	if refundable == 0 {
		return 0
	}
	return mulDiv(refundable, deposited, sess.TotalDeposited)
}

// mulDiv computes a*b/d without intermediate overflow. Callers guarantee
// a < d, so the quotient fits in 64 bits.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, d)
	return q
}

func addChecked(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func mulChecked(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}
