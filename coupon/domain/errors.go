package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable indica falha de transporte/conectividade com o store.
	// Nunca é tratado como "cota excedida".
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrContention indica que o orçamento de tentativas otimistas acabou.
	ErrContention = errors.New("optimistic retry budget exhausted")

	// ErrSlotReclaimed indica que a vaga reservada do dono foi devolvida pelo
	// reconcile antes da fase global. Nenhum token foi emitido e nada precisa
	// ser compensado. É uma forma de ErrContention: o chamador pode tentar de novo.
	ErrSlotReclaimed = fmt.Errorf("%w: owner slot reclaimed", ErrContention)

	// ErrConflict é interno ao store: a chave mudou entre a leitura e o commit.
	ErrConflict = errors.New("key modified concurrently")

	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrAlreadyUsed       = errors.New("credential already used")
	ErrMissingOwner      = errors.New("missing owner identity")
)
