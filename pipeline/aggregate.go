package pipeline

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"cashctl.dev/ingest/store"
)

// BucketKey renders the {CCT}_{IN|OUT} aggregate key for one verdict.
func BucketKey(cct CCT, direction Direction) string {
	if direction == DirectionCredit {
		return string(cct) + "_IN"
	}
	return string(cct) + "_OUT"
}

// dayAccumulator is the in-flight state for one calendar day. The distinct
// token set lives only here; callers receive its cardinality.
type dayAccumulator struct {
	counts   map[string]int64
	sums     map[string]decimal.Decimal
	inflow   decimal.Decimal
	outflow  decimal.Decimal
	tokens   map[string]struct{}
	partials int64
	unknowns int64
}

func newDayAccumulator() *dayAccumulator {
	return &dayAccumulator{
		counts: make(map[string]int64),
		sums:   make(map[string]decimal.Decimal),
		tokens: make(map[string]struct{}),
	}
}

// AggregateDaily classifies every accepted record and folds it into per-day
// control buckets. Days come back sorted ascending; days with no accepted
// rows produce no element. The distinct-payer sets are discarded before
// returning.
func AggregateDaily(cfg *Config, subjectRef string, records []CanonicalRecord) []store.DailyAggregate {
	sig := CollectSignals(records)
	days := make(map[string]*dayAccumulator)

	for i := range records {
		r := &records[i]
		sem := ClassifySemantic(r, sig)
		verdict := ClassifyCCT(cfg, r, &sem)

		day := r.Day()
		acc := days[day]
		if acc == nil {
			acc = newDayAccumulator()
			days[day] = acc
		}

		bucket := BucketKey(verdict.CCT, r.Direction)
		acc.counts[bucket]++
		acc.sums[bucket] = acc.sums[bucket].Add(r.Amount)
		if r.Direction == DirectionCredit {
			acc.inflow = acc.inflow.Add(r.Amount)
		} else {
			acc.outflow = acc.outflow.Add(r.Amount)
		}
		if verdict.CCT == CCTUnknown {
			acc.unknowns++
		}
		if r.RawCounterpartyToken != "" {
			acc.tokens[r.RawCounterpartyToken] = struct{}{}
		}
		if r.PartialRecord {
			acc.partials++
		}
	}

	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Strings(keys)

	out := make([]store.DailyAggregate, 0, len(keys))
	for _, day := range keys {
		out = append(out, finalizeDay(subjectRef, day, days[day]))
	}
	return out
}

// finalizeDay materializes all twelve buckets and the ε-guarded ratios.
func finalizeDay(subjectRef, day string, acc *dayAccumulator) store.DailyAggregate {
	counts := make(map[string]int64, 2*len(AllCCTs))
	sums := make(map[string]decimal.Decimal, 2*len(AllCCTs))
	totalIn := decimal.Zero
	totalOut := decimal.Zero
	for _, cct := range AllCCTs {
		for _, dir := range []Direction{DirectionCredit, DirectionDebit} {
			key := BucketKey(cct, dir)
			counts[key] = acc.counts[key]
			sum := acc.sums[key].Round(2)
			sums[key] = sum
			if dir == DirectionCredit {
				totalIn = totalIn.Add(sum)
			} else {
				totalOut = totalOut.Add(sum)
			}
		}
	}
	totalFlow := totalIn.Add(totalOut)

	return store.DailyAggregate{
		SubjectRef: subjectRef,
		Day:        day,

		InflowSum:  acc.inflow.Round(2),
		OutflowSum: acc.outflow.Round(2),

		BucketCounts: counts,
		BucketSums:   sums,

		FreeCashNet:          sums["FREE_IN"].Sub(sums["FREE_OUT"]),
		OwnerDependencyRatio: guardedRatio(sums["ARTIFICIAL_IN"], totalIn),
		PassThroughRatio:     guardedRatio(sums["PASS_THROUGH_IN"].Add(sums["PASS_THROUGH_OUT"]), totalFlow),
		UnknownFlowRatio:     guardedRatio(sums["UNKNOWN_IN"].Add(sums["UNKNOWN_OUT"]), totalFlow),

		UniquePayersCount:   int64(len(acc.tokens)),
		AcceptedPartialRows: acc.partials,
		UnknownCCTCount:     acc.unknowns,
	}
}

const aggEpsilon = 1e-9

// guardedRatio divides with an ε floor and rounds to 6 places. Result is
// clamped to [0,1].
func guardedRatio(num, den decimal.Decimal) float64 {
	d := den.InexactFloat64()
	if d < aggEpsilon {
		d = aggEpsilon
	}
	v := num.InexactFloat64() / d
	v = math.Round(v*1e6) / 1e6
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
