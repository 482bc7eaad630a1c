package taler

// ErrorCode is the stable numeric identifier carried in every error reply.
// Wallets key their retry and abort logic on the code, never on the hint.
type ErrorCode int

const (
	CodeNone ErrorCode = 0

	// Generic failures.
	CodeInternalError      ErrorCode = 1000
	CodeInvalidRequest     ErrorCode = 1001
	CodeParameterMissing   ErrorCode = 1002
	CodeParameterMalformed ErrorCode = 1003
	CodeCurrencyMismatch   ErrorCode = 1004
	CodeAmountOverflow     ErrorCode = 1005
	CodeDBSoftFailure      ErrorCode = 1010
	CodeDBHardFailure      ErrorCode = 1011
	CodeShuttingDown       ErrorCode = 1012
	CodeUnauthorized       ErrorCode = 1013
	CodeRateLimited        ErrorCode = 1014

	// Instance and configuration.
	CodeInstanceUnknown   ErrorCode = 2000
	CodeWireMethodUnknown ErrorCode = 2001

	// Orders and proposals.
	CodeOrderIDInUse          ErrorCode = 2100
	CodeProposalNotFound      ErrorCode = 2101
	CodeProposalNonceMismatch ErrorCode = 2102
	CodeProposalStoreFailure  ErrorCode = 2103
	CodeOrderAmountInvalid    ErrorCode = 2104

	// Pay.
	CodePayContractNotFound     ErrorCode = 2200
	CodePayWrongInstance        ErrorCode = 2201
	CodePayDenominationUnknown  ErrorCode = 2202
	CodePayDenominationExpired  ErrorCode = 2203
	CodePayDenomSigInvalid      ErrorCode = 2204
	CodePayCoinSigInvalid       ErrorCode = 2205
	CodePayAmountInsufficient   ErrorCode = 2206
	CodePayFeesExceedMax        ErrorCode = 2207
	CodePayExchangeDown         ErrorCode = 2208
	CodePayExchangeFailed       ErrorCode = 2209
	CodePayExchangeSigInvalid   ErrorCode = 2210
	CodePayCoinConflict         ErrorCode = 2211
	CodePayAborted              ErrorCode = 2212
	CodePayDeadlineExpired      ErrorCode = 2213
	CodePayContributionBelowFee ErrorCode = 2214

	// Refunds.
	CodeRefundOrderUnknown   ErrorCode = 2400
	CodeRefundExceedsDeposit ErrorCode = 2401
	CodeRefundNothingPaid    ErrorCode = 2402

	// Poll-payment.
	CodePollHashMismatch ErrorCode = 2500

	// Tips.
	CodeTipsDisabled                  ErrorCode = 2700
	CodeTipAuthorizeInsufficientFunds ErrorCode = 2701
	CodeTipAuthorizeExchangeDown      ErrorCode = 2702
	CodeTipReserveUnknown             ErrorCode = 2703
	CodeTipPickupUnknown              ErrorCode = 2704
	CodeTipPickupExchangeDown         ErrorCode = 2705
	CodeTipPickupDenominationUnknown  ErrorCode = 2706
	CodeTipPickupNoFunds              ErrorCode = 2707
	CodeTipPickupExpired              ErrorCode = 2708
	CodeTipPickupPlanchetLimit        ErrorCode = 2709
)
