package pipeline

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of money movement relative to the merchant.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionCredit, DirectionDebit:
		return Direction(s), true
	}
	return "", false
}

// Channel is the payment rail a record arrived on.
type Channel string

const (
	ChannelUPI           Channel = "UPI"
	ChannelCard          Channel = "CARD"
	ChannelBank          Channel = "BANK"
	ChannelNetBanking    Channel = "NET_BANKING"
	ChannelWallet        Channel = "WALLET"
	ChannelCODSettlement Channel = "COD_SETTLEMENT"
)

func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelUPI, ChannelCard, ChannelBank, ChannelNetBanking, ChannelWallet, ChannelCODSettlement:
		return Channel(s), true
	}
	return "", false
}

// CCT is the Cash Control Type assigned to each accepted record.
type CCT string

const (
	CCTFree        CCT = "FREE"
	CCTConstrained CCT = "CONSTRAINED"
	CCTPassThrough CCT = "PASS_THROUGH"
	CCTArtificial  CCT = "ARTIFICIAL"
	CCTConditional CCT = "CONDITIONAL"
	CCTUnknown     CCT = "UNKNOWN"
)

// AllCCTs lists every bucket in stable order. Aggregates materialize all of
// them per day even when zero.
var AllCCTs = []CCT{CCTFree, CCTConstrained, CCTPassThrough, CCTArtificial, CCTConditional, CCTUnknown}

// RejectionReason buckets per-row failures. Reasons count; rows are never
// retained.
type RejectionReason string

const (
	RejectMissingRequiredField RejectionReason = "MISSING_REQUIRED_FIELD"
	RejectInvalidTS            RejectionReason = "INVALID_TS"
	RejectInvalidAmount        RejectionReason = "INVALID_AMOUNT"
	RejectInvalidDirection     RejectionReason = "INVALID_DIRECTION"
	RejectInvalidChannel       RejectionReason = "INVALID_CHANNEL"

	RejectFailedInsufficientFunds RejectionReason = "FAILED_INSUFFICIENT_FUNDS"
	RejectFailedTimeout           RejectionReason = "FAILED_TIMEOUT"
	RejectFailedNetwork           RejectionReason = "FAILED_NETWORK"
	RejectInvalidToken            RejectionReason = "INVALID_TOKEN"
	RejectUnknownStatus           RejectionReason = "UNKNOWN_STATUS"
)

// Required tabular/feed field names.
const (
	FieldMerchantID = "merchant_id"
	FieldTS         = "ts"
	FieldAmount     = "amount"
	FieldDirection  = "direction"
	FieldChannel    = "channel"
)

// RequiredFields in validation order. The first failing check determines the
// rejection bucket; a row is never double-counted.
var RequiredFields = []string{FieldMerchantID, FieldTS, FieldAmount, FieldDirection, FieldChannel}

// Optional fields recognized by the adapters; everything else is dropped at
// the parse boundary.
const (
	FieldRecordStatus         = "record_status"
	FieldPartialRecord        = "partial_record"
	FieldRawCategory          = "raw_category"
	FieldRawNarration         = "raw_narration"
	FieldRawCounterpartyToken = "raw_counterparty_token"
	FieldPayerToken           = "payer_token"
)

var OptionalFields = []string{
	FieldRecordStatus,
	FieldPartialRecord,
	FieldRawCategory,
	FieldRawNarration,
	FieldRawCounterpartyToken,
	FieldPayerToken,
}

// Row is a parsed, untrusted row: required + recognized optional fields only.
// Rows are scoped to one request and must never outlive it.
type Row map[string]string

// CanonicalRecord is the normalized in-memory record. Ephemeral: it is
// consumed by the classifiers and the aggregator and discarded when the
// request returns. Nothing here is ever persisted.
type CanonicalRecord struct {
	SubjectRef string
	MerchantID string
	EventTS    time.Time
	Amount     decimal.Decimal
	Direction  Direction
	Channel    Channel

	RawCategory          string
	RawNarration         string
	RawCounterpartyToken string
	PayerToken           string
	PartialRecord        bool
}

// Day returns the record's calendar date in its own timezone.
func (r *CanonicalRecord) Day() string {
	return r.EventTS.Format("2006-01-02")
}

// RoleClass / PurposeClass are the semantic layer outputs.
type RoleClass string

const (
	RoleCustomer   RoleClass = "CUSTOMER"
	RoleSupplier   RoleClass = "SUPPLIER"
	RoleOwner      RoleClass = "OWNER"
	RolePlatform   RoleClass = "PLATFORM"
	RoleObligation RoleClass = "OBLIGATION"
	RoleThirdParty RoleClass = "THIRD_PARTY"
	RoleUnknown    RoleClass = "UNKNOWN"
)

type PurposeClass string

const (
	PurposeSale            PurposeClass = "SALE"
	PurposeInventory       PurposeClass = "INVENTORY"
	PurposeOpexOrStatutory PurposeClass = "OPEX_OR_STATUTORY"
	PurposeSettlementOrFee PurposeClass = "SETTLEMENT_OR_FEE"
	PurposeRefundOrRevsal  PurposeClass = "REFUND_OR_REVERSAL"
	PurposeOwnerTransfer   PurposeClass = "OWNER_TRANSFER"
	PurposeReimbursement   PurposeClass = "REIMBURSEMENT"
	PurposeUnknown         PurposeClass = "UNKNOWN"
)

// SemanticResult is ephemeral explainability state for one record.
type SemanticResult struct {
	Role           RoleClass
	Purpose        PurposeClass
	BaseConfidence float64
	RulesFired     []string
}

// CCTResult is the classifier verdict for one record. Ephemeral. Top2Delta
// is the confidence gap between the top two candidates; zero when only one
// candidate exists.
type CCTResult struct {
	CCT        CCT
	Confidence float64
	Top2Delta  float64
	RulesFired []string
}
