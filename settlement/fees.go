package settlement

// LamportsPerUnit converts between whole ledger-asset units and the integer
// lamports all arithmetic runs in.
const LamportsPerUnit = 1_000_000_000

// Fee tier boundaries, inclusive.
const (
	tierSmallMax  = 10_000_000 // 0.01 units
	tierMediumMax = 50_000_000 // 0.05 units
)

// Fee rates in basis points of the pot.
const (
	feeSmallBps  = 500 // 5%
	feeMediumBps = 300 // 3%
	feeLargeBps  = 200 // 2%
)

// referralShareBps is the referrer's cut of the platform fee. The cut comes
// out of the fee pool, never out of the winner's payout.
const referralShareBps = 2000 // 20%

// FeeRateBps returns the platform fee rate for a per-player stake. Small
// stakes pay a higher rate.
func FeeRateBps(stakeLamports uint64) uint64 {
	switch {
	case stakeLamports <= tierSmallMax:
		return feeSmallBps
	case stakeLamports <= tierMediumMax:
		return feeMediumBps
	default:
		return feeLargeBps
	}
}

// Split is the full division of a match pot.
type Split struct {
	Pot      uint64 // stake x 2
	Fee      uint64 // platform fee, pot x rate
	Payout   uint64 // winner payout, pot - fee
	Referral uint64 // referrer's cut of the fee, zero without a referrer
	Platform uint64 // fee - referral
}

// ComputeSplit divides the pot for a finished match. Integer division rounds
// the referral cut down toward the platform, and Payout + Referral + Platform
// always equals Pot exactly.
func ComputeSplit(stakeLamports uint64, hasReferrer bool) Split {
	pot := stakeLamports * 2
	fee := pot * FeeRateBps(stakeLamports) / 10_000
	s := Split{
		Pot:    pot,
		Fee:    fee,
		Payout: pot - fee,
	}
	if hasReferrer {
		s.Referral = fee * referralShareBps / 10_000
	}
	s.Platform = fee - s.Referral
	return s
}
