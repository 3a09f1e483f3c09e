package pipeline

import "sort"

// cctCandidate is one piece of evidence for a bucket.
type cctCandidate struct {
	cct  CCT
	conf float64
	rule string
}

// purposeCCT is the deterministic purpose → CCT mapping. UNKNOWN purpose
// deliberately contributes no candidate; the fallback handles it.
var purposeCCT = map[PurposeClass]CCT{
	PurposeSale:            CCTFree,
	PurposeInventory:       CCTConstrained,
	PurposeOpexOrStatutory: CCTConstrained,
	PurposeSettlementOrFee: CCTPassThrough,
	PurposeRefundOrRevsal:  CCTPassThrough,
	PurposeOwnerTransfer:   CCTArtificial,
	PurposeReimbursement:   CCTConditional,
}

// cctCandidates gathers evidence from independent sources: hard keyword
// rules, category rules, narration rules, channel/direction heuristics, and
// the purpose mapping carrying the adjusted semantic confidence.
func cctCandidates(r *CanonicalRecord, sem *SemanticResult) []cctCandidate {
	blob := hintBlob(r)
	var out []cctCandidate

	// Hard rules.
	if containsAny(blob, kwFeeCharge) || containsAny(blob, kwSettlement) {
		out = append(out, cctCandidate{CCTPassThrough, 0.90, "HARD_SETTLEMENT_FEE"})
	}
	if containsAny(blob, kwRefund) {
		out = append(out, cctCandidate{CCTPassThrough, 0.88, "HARD_REFUND_REVERSAL"})
	}
	if containsAny(blob, kwOwner) {
		out = append(out, cctCandidate{CCTArtificial, 0.90, "HARD_OWNER_TRANSFER"})
	}

	// Category rules.
	if containsAny(blob, kwStatutory) {
		out = append(out, cctCandidate{CCTConstrained, 0.75, "CAT_OBLIGATION"})
	}
	if containsAny(blob, kwSupplier) {
		out = append(out, cctCandidate{CCTConstrained, 0.75, "CAT_INVENTORY"})
	}
	// A sale label on a debit is a conflict, not sale evidence.
	if containsAny(blob, kwSale) && r.Direction == DirectionCredit {
		out = append(out, cctCandidate{CCTFree, 0.75, "CAT_SALE"})
	}
	if containsAny(blob, kwReimburse) {
		out = append(out, cctCandidate{CCTConditional, 0.72, "CAT_REIMBURSEMENT"})
	}

	// Narration rules.
	if containsAny(blob, kwCashback) {
		out = append(out, cctCandidate{CCTConditional, 0.70, "NAR_CASHBACK_PROMO"})
	}
	if containsAny(blob, kwNetting) {
		out = append(out, cctCandidate{CCTPassThrough, 0.70, "NAR_SETTLEMENT"})
	}

	// Channel + direction heuristics.
	if r.Direction == DirectionDebit && (r.Channel == ChannelBank || r.Channel == ChannelNetBanking) {
		out = append(out, cctCandidate{CCTConstrained, 0.60, "HEUR_NETBANK_DEBIT"})
	}
	if r.Direction == DirectionCredit && isConsumerChannel(r.Channel) {
		out = append(out, cctCandidate{CCTFree, 0.60, "HEUR_CONSUMER_CREDIT"})
	}

	// Purpose mapping with the adjusted semantic confidence.
	if bucket, ok := purposeCCT[sem.Purpose]; ok {
		out = append(out, cctCandidate{bucket, sem.BaseConfidence, "PURPOSE_" + string(sem.Purpose)})
	}

	if len(out) == 0 {
		out = append(out, cctCandidate{CCTUnknown, 0.50, "PURPOSE_UNKNOWN"})
	}
	return out
}

// ClassifyCCT resolves the record's Cash Control Type. Candidates are ranked
// by confidence (stable on ties, so evidence order breaks equal-bucket ties
// toward top1); then the ambiguity policy and the per-bucket threshold gate
// may demote the verdict to UNKNOWN.
func ClassifyCCT(cfg *Config, r *CanonicalRecord, sem *SemanticResult) CCTResult {
	cands := cctCandidates(r, sem)
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].conf > cands[j].conf })

	top := cands[0]
	var delta float64 // stays zero when there is no competing candidate
	if len(cands) > 1 {
		second := cands[1]
		delta = top.conf - second.conf
		if top.cct != second.cct && delta <= cfg.AmbiguityDelta {
			return CCTResult{
				CCT:        CCTUnknown,
				Confidence: top.conf,
				Top2Delta:  delta,
				RulesFired: []string{top.rule, second.rule},
			}
		}
	}

	if threshold := cfg.thresholdFor(top.cct); threshold > 0 && top.conf < threshold {
		return CCTResult{
			CCT:        CCTUnknown,
			Confidence: top.conf,
			Top2Delta:  delta,
			RulesFired: []string{top.rule},
		}
	}

	return CCTResult{
		CCT:        top.cct,
		Confidence: top.conf,
		Top2Delta:  delta,
		RulesFired: []string{top.rule},
	}
}
