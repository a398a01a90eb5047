package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/model"
)

// RelayDomain prefixes the message a relayer co-signs.
const RelayDomain = auth.Domain + "relay:"

// Transaction is a principal's signed write, optionally
// co-signed by the relayer that submitted it. The
// principal's signature is always the authorization.
type Transaction struct {
	Request          auth.SignedRequest `json:"request"`
	Relayer          *model.Address     `json:"relayer,omitempty"`
	RelayerSignature hexutil.Bytes      `json:"relayer_signature,omitempty"`
}

// Hash identifies the transaction. A relayer co-signature
// does not change it.
func (tx *Transaction) Hash() (common.Hash, error) {
	return tx.Request.Hash()
}

// RelayMessage is what a relayer signs for a transaction.
func RelayMessage(h common.Hash) []byte {
	return []byte(RelayDomain + h.Hex())
}

// MessageSigner signs raw messages. *auth.KeySigner
// implements it.
type MessageSigner interface {
	Address() model.Address
	SignMessage(msg []byte) ([]byte, error)
}

// CoSign attaches relayer's co-signature.
func (tx *Transaction) CoSign(relayer MessageSigner) error {
	h, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := relayer.SignMessage(RelayMessage(h))
	if err != nil {
		return err
	}
	addr := relayer.Address()
	tx.Relayer = &addr
	tx.RelayerSignature = sig
	return nil
}

func (tx *Transaction) verifyRelayer(h common.Hash, allowed map[model.Address]struct{}) error {
	if tx.Relayer == nil {
		if len(tx.RelayerSignature) != 0 {
			return apperr.New(apperr.KindBadRequest, "relayer signature without relayer")
		}
		return nil
	}
	if !auth.Verify(*tx.Relayer, RelayMessage(h), tx.RelayerSignature) {
		return apperr.New(apperr.KindUnauthorized, "bad relayer signature")
	}
	if len(allowed) > 0 {
		if _, ok := allowed[*tx.Relayer]; !ok {
			return apperr.New(apperr.KindForbidden, "relayer %s not accepted", model.FormatAddress(*tx.Relayer))
		}
	}
	return nil
}
