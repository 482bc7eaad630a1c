package pay

import (
	"encoding/binary"
	"fmt"

	"merchantd/crypto"
	"merchantd/storage"
	"merchantd/taler"
)

// The fixed binary layouts signed under the deposit, confirmation and refund
// purposes. Wallet, merchant and exchange must compose them identically;
// amounts use the 24-byte form and timestamps the 8-byte microsecond form.

// depositPermissionPayload is what the wallet signs with the coin key to
// authorize a deposit:
//
//	h_contract (64) || h_wire (64) || timestamp (8) || refund_deadline (8) ||
//	amount_with_fee (24) || deposit_fee (24) || merchant_pub (32) || coin_pub (32)
func depositPermissionPayload(hContract, hWire crypto.Hash, contract *contractData, contribution, depositFee taler.Amount, merchantPub, coinPub *crypto.PublicKey) []byte {
	payload := make([]byte, 0, 256)
	payload = append(payload, hContract.Bytes()...)
	payload = append(payload, hWire.Bytes()...)
	payload = append(payload, contract.Timestamp.BinaryNBO()...)
	payload = append(payload, contract.RefundDeadline.BinaryNBO()...)
	payload = append(payload, contribution.BinaryNBO()...)
	payload = append(payload, depositFee.BinaryNBO()...)
	payload = append(payload, merchantPub.Bytes()...)
	payload = append(payload, coinPub.Bytes()...)
	return payload
}

// confirmDepositPayload is what the exchange signs to confirm a deposit. The
// amount is the coin's contribution net of the deposit fee:
//
//	h_contract (64) || h_wire (64) || timestamp (8) || refund_deadline (8) ||
//	amount_without_fee (24) || coin_pub (32) || merchant_pub (32)
func confirmDepositPayload(hContract, hWire crypto.Hash, contract *contractData, netAmount taler.Amount, merchantPub, coinPub *crypto.PublicKey) []byte {
	payload := make([]byte, 0, 232)
	payload = append(payload, hContract.Bytes()...)
	payload = append(payload, hWire.Bytes()...)
	payload = append(payload, contract.Timestamp.BinaryNBO()...)
	payload = append(payload, contract.RefundDeadline.BinaryNBO()...)
	payload = append(payload, netAmount.BinaryNBO()...)
	payload = append(payload, coinPub.Bytes()...)
	payload = append(payload, merchantPub.Bytes()...)
	return payload
}

// RefundPermissionPayload is what the merchant signs so the wallet can claim
// a refund at the exchange. The refund engine signs the same layout for
// merchant-granted refunds:
//
//	h_contract (64) || coin_pub (32) || merchant_pub (32) ||
//	rtransaction_id (8, u64 BE) || refund_amount (24) || refund_fee (24)
func RefundPermissionPayload(hContract crypto.Hash, refund storage.RefundRecord, merchantPub *crypto.PublicKey) ([]byte, error) {
	coinPub, err := crypto.DecodeCrock(refund.CoinPub)
	if err != nil || len(coinPub) != crypto.PublicKeyLength {
		return nil, fmt.Errorf("refund coin key malformed: %q", refund.CoinPub)
	}
	var rtx [8]byte
	binary.BigEndian.PutUint64(rtx[:], uint64(refund.RTxID))
	payload := make([]byte, 0, 184)
	payload = append(payload, hContract.Bytes()...)
	payload = append(payload, coinPub...)
	payload = append(payload, merchantPub.Bytes()...)
	payload = append(payload, rtx[:]...)
	payload = append(payload, refund.RefundAmount.BinaryNBO()...)
	payload = append(payload, refund.RefundFee.BinaryNBO()...)
	return payload, nil
}
