package crypto

import (
	"encoding/binary"
	"fmt"
)

// Signature purposes. Every EdDSA signature in the protocol covers a framed
// message of the form size (u32 BE) || purpose (u32 BE) || payload, where
// size counts the 8-byte header plus the payload. Signing the purpose
// prevents a signature made for one context from being replayed in another.
const (
	PurposeExchangeConfirmDeposit uint32 = 1033
	PurposeMerchantContract       uint32 = 1101
	PurposeMerchantRefund         uint32 = 1102
	PurposeMerchantPaymentOK      uint32 = 1104
	PurposeReserveWithdraw        uint32 = 1200
	PurposeWalletCoinDeposit      uint32 = 1201
)

const purposeHeaderLen = 8

// FramePurpose builds the signed message for a purpose and payload.
func FramePurpose(purpose uint32, payload []byte) []byte {
	msg := make([]byte, purposeHeaderLen+len(payload))
	binary.BigEndian.PutUint32(msg[0:4], uint32(purposeHeaderLen+len(payload)))
	binary.BigEndian.PutUint32(msg[4:8], purpose)
	copy(msg[purposeHeaderLen:], payload)
	return msg
}

// SignPurpose signs the framed purpose message with the given key.
func SignPurpose(key *PrivateKey, purpose uint32, payload []byte) []byte {
	return key.Sign(FramePurpose(purpose, payload))
}

// VerifyPurpose checks a signature produced by SignPurpose.
func VerifyPurpose(key *PublicKey, purpose uint32, payload, sig []byte) bool {
	return key.Verify(FramePurpose(purpose, payload), sig)
}

// SignPurposeCrock signs and renders the signature in Crockford base32.
func SignPurposeCrock(key *PrivateKey, purpose uint32, payload []byte) string {
	return EncodeCrock(SignPurpose(key, purpose, payload))
}

// VerifyPurposeCrock checks a Crockford base32 signature.
func VerifyPurposeCrock(key *PublicKey, purpose uint32, payload []byte, sig string) error {
	raw, err := DecodeCrock(sig)
	if err != nil {
		return err
	}
	if !VerifyPurpose(key, purpose, payload, raw) {
		return fmt.Errorf("crypto: signature invalid for purpose %d", purpose)
	}
	return nil
}
