package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	bcs "github.com/fardream/go-bcs/bcs"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// addressPrefix marks bech-style Nova addresses; the payload is the
// hex-encoded blake2b-160 digest of the account public key.
const addressPrefix = "nova1"

// signDomainPrefix separates transaction signatures from any other signing
// domain the threshold signer serves.
var signDomainPrefix = []byte("NOVATX")

// PaymentTx is a native NOVA transfer. Amounts and fee are micronova.
type PaymentTx struct {
	Sender      string
	Receiver    string
	Amount      uint64
	Fee         uint64
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash string
	Note        []byte
}

// SignedTx pairs a payment with its threshold signature for submission.
type SignedTx struct {
	Tx        PaymentTx
	Signature []byte
}

// BuildPayment assembles a payment from a decimal NOVA amount and the
// network's suggested parameters.
func BuildPayment(sender, receiver string, amount decimal.Decimal, params SuggestedParams, note []byte) (*PaymentTx, error) {
	if !IsValidAddress(sender) {
		return nil, fmt.Errorf("%w: sender %q", ErrInvalidAddress, sender)
	}
	if !IsValidAddress(receiver) {
		return nil, fmt.Errorf("%w: receiver %q", ErrInvalidAddress, receiver)
	}
	micro, err := ToMicroNova(amount)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}
	if micro == 0 {
		return nil, fmt.Errorf("payment amount %s rounds to zero micronova", amount.String())
	}

	return &PaymentTx{
		Sender:      sender,
		Receiver:    receiver,
		Amount:      micro,
		Fee:         params.Fee,
		FirstValid:  params.FirstValid,
		LastValid:   params.LastValid,
		GenesisID:   params.GenesisID,
		GenesisHash: params.GenesisHash,
		Note:        note,
	}, nil
}

// SignableBytes returns the canonical bytes the threshold signer must sign:
// a fixed domain prefix followed by the BCS encoding of the transaction.
// The encoding is deterministic, so re-deriving the bytes for the same
// payment always yields the same signature input.
func (tx *PaymentTx) SignableBytes() ([]byte, error) {
	body, err := bcs.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	out := make([]byte, 0, len(signDomainPrefix)+len(body))
	out = append(out, signDomainPrefix...)
	out = append(out, body...)
	return out, nil
}

// AttachSignature wraps the payment and its signature into the submittable
// wire form.
func (tx *PaymentTx) AttachSignature(signature []byte) ([]byte, error) {
	if len(signature) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	signed := SignedTx{Tx: *tx, Signature: signature}
	data, err := bcs.Marshal(&signed)
	if err != nil {
		return nil, fmt.Errorf("marshal signed tx: %w", err)
	}
	return data, nil
}

// AddressFromPublicKey derives the Nova address for an account public key:
// nova1 prefix plus the hex blake2b-160 of the key bytes. Derivation is a
// pure function, so custody control can be re-verified by re-deriving.
func AddressFromPublicKey(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("empty public key")
	}
	h, err := blake2b.New(20, nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	h.Write(publicKey)
	return addressPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// IsValidAddress checks the shape of a Nova address: prefix plus 40 hex
// characters.
func IsValidAddress(address string) bool {
	if !strings.HasPrefix(address, addressPrefix) {
		return false
	}
	payload := strings.TrimPrefix(address, addressPrefix)
	if len(payload) != 40 {
		return false
	}
	_, err := hex.DecodeString(payload)
	return err == nil
}
