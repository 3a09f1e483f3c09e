package pipeline

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Keyword policy. Frozen under PolicyVersion: any edit here is a policy bump,
// not a code fix.
var (
	kwFeeCharge  = []string{"fee", "fees", "commission", "charge", "charges"}
	kwRefund     = []string{"refund", "reversal", "chargeback"}
	kwOwner      = []string{"owner", "self", "capital", "withdrawal", "infusion", "director"}
	kwSettlement = []string{"settlement", "gateway", "pg", "payout"}
	kwSupplier   = []string{"supplier", "inventory", "stock", "procure", "wholesale"}
	kwStatutory  = []string{"rent", "utility", "electricity", "water", "emi", "gst", "tax", "statutory"}
	kwSale       = []string{"sale", "sales", "invoice", "pos", "order", "revenue"}
	kwReimburse  = []string{"reimbursement", "insurance", "claim", "subsidy", "grant"}
	kwCashback   = []string{"cashback", "promo"}
	kwNetting    = []string{"settle", "netting"}
)

// smallTicketMax bounds "small ticket" for the sale-like credit heuristic.
// largeRoundMin bounds "very large round amount" for owner-transfer signals.
var (
	smallTicketMax = decimal.NewFromInt(2000)
	largeRoundMin  = decimal.NewFromInt(10000)
)

// recurrenceMin is how many times a counterparty token must appear in one
// batch to count as recurring.
const recurrenceMin = 3

// BatchSignals holds the ephemeral cross-row evidence the classifiers may
// consult. Built once per batch from accepted records and discarded with
// them.
type BatchSignals struct {
	tokenSeen map[string]int
}

// CollectSignals scans accepted records for recurrence evidence.
func CollectSignals(records []CanonicalRecord) *BatchSignals {
	sig := &BatchSignals{tokenSeen: make(map[string]int)}
	for i := range records {
		if tok := records[i].RawCounterpartyToken; tok != "" {
			sig.tokenSeen[tok]++
		}
	}
	return sig
}

func (s *BatchSignals) recurring(token string) bool {
	if s == nil || token == "" {
		return false
	}
	return s.tokenSeen[token] >= recurrenceMin
}

func hintBlob(r *CanonicalRecord) string {
	return strings.ToLower(strings.TrimSpace(r.RawCategory + " " + r.RawNarration))
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func isLargeRound(amount decimal.Decimal) bool {
	return amount.IsInteger() && amount.GreaterThanOrEqual(largeRoundMin)
}

func isConsumerChannel(c Channel) bool {
	return c == ChannelUPI || c == ChannelCard || c == ChannelWallet
}

// semanticRule is one entry in the priority-ordered table. First match wins.
type semanticRule struct {
	name    string
	role    RoleClass
	purpose PurposeClass
	base    float64
	match   func(r *CanonicalRecord, blob string, sig *BatchSignals) bool
}

var semanticRules = []semanticRule{
	{
		name: "FEE_CHARGE_KEYWORDS", role: RolePlatform, purpose: PurposeSettlementOrFee, base: 0.85,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			return containsAny(blob, kwFeeCharge)
		},
	},
	{
		name: "REFUND_REVERSAL_KEYWORDS", role: RolePlatform, purpose: PurposeRefundOrRevsal, base: 0.85,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			return containsAny(blob, kwRefund)
		},
	},
	{
		name: "OWNER_TRANSFER_INDICATORS", role: RoleOwner, purpose: PurposeOwnerTransfer, base: 0.80,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			if containsAny(blob, kwOwner) {
				return true
			}
			return isLargeRound(r.Amount) && sig.recurring(r.RawCounterpartyToken)
		},
	},
	{
		name: "PLATFORM_SETTLEMENT_INDICATORS", role: RolePlatform, purpose: PurposeSettlementOrFee, base: 0.80,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			return containsAny(blob, kwSettlement)
		},
	},
	{
		name: "SUPPLIER_WHOLESALE", role: RoleSupplier, purpose: PurposeInventory, base: 0.75,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			if containsAny(blob, kwSupplier) {
				return true
			}
			return r.Direction == DirectionDebit && sig.recurring(r.RawCounterpartyToken)
		},
	},
	{
		name: "UTILITY_RENT_STATUTORY", role: RoleObligation, purpose: PurposeOpexOrStatutory, base: 0.75,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			return containsAny(blob, kwStatutory)
		},
	},
	{
		name: "SALE_LIKE_CREDIT", role: RoleCustomer, purpose: PurposeSale, base: 0.70,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			if containsAny(blob, kwSale) {
				return true
			}
			return r.Direction == DirectionCredit &&
				isConsumerChannel(r.Channel) &&
				r.Amount.LessThanOrEqual(smallTicketMax)
		},
	},
	{
		name: "REIMBURSEMENT_KEYWORDS", role: RoleThirdParty, purpose: PurposeReimbursement, base: 0.70,
		match: func(r *CanonicalRecord, blob string, sig *BatchSignals) bool {
			return containsAny(blob, kwReimburse)
		},
	},
}

// purposeExpectsRecurrence marks the purposes whose expected pattern is a
// recurring counterparty (supplier restock, owner sweeps, standing opex).
var purposeExpectsRecurrence = map[PurposeClass]bool{
	PurposeInventory:       true,
	PurposeOwnerTransfer:   true,
	PurposeOpexOrStatutory: true,
}

// ClassifySemantic resolves (role, purpose, base confidence) for one record
// through the priority table, then applies the recurrence boost and the
// conflicting-signal penalty. Confidence is clamped to [0,1].
func ClassifySemantic(r *CanonicalRecord, sig *BatchSignals) SemanticResult {
	blob := hintBlob(r)

	res := SemanticResult{Role: RoleUnknown, Purpose: PurposeUnknown, BaseConfidence: 0.30}
	for _, rule := range semanticRules {
		if rule.match(r, blob, sig) {
			res = SemanticResult{
				Role:           rule.role,
				Purpose:        rule.purpose,
				BaseConfidence: rule.base,
				RulesFired:     []string{rule.name},
			}
			break
		}
	}

	if purposeExpectsRecurrence[res.Purpose] && sig.recurring(r.RawCounterpartyToken) {
		res.BaseConfidence += 0.15
		res.RulesFired = append(res.RulesFired, "ADJ_RECURRENCE_MATCH")
	}
	if conflictingSignals(r, res.Purpose, sig) {
		res.BaseConfidence -= 0.20
		res.RulesFired = append(res.RulesFired, "ADJ_SIGNAL_CONFLICT")
	}
	res.BaseConfidence = clamp01(res.BaseConfidence)
	return res
}

// conflictingSignals flags rows whose label and shape disagree: a sale that
// debits the merchant, or an owner-like large round recurring transfer that
// landed on a non-owner purpose.
func conflictingSignals(r *CanonicalRecord, purpose PurposeClass, sig *BatchSignals) bool {
	if purpose == PurposeSale && r.Direction == DirectionDebit {
		return true
	}
	if purpose != PurposeOwnerTransfer && purpose != PurposeUnknown &&
		isLargeRound(r.Amount) && sig.recurring(r.RawCounterpartyToken) {
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
