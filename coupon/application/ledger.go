package application

import (
	"context"
	"time"

	"coupon-gateway/coupon/domain"
)

// TokenLedger garante uso único gravando um marcador "usado" por sequência,
// com TTL igual ao tempo restante do token.
//
// Estados do token: Emitido -> NãoResgatado -> Resgatado (terminal)
// ou Emitido -> NãoResgatado -> Expirado (terminal).
type TokenLedger struct {
	Issuer TokenIssuer
	Store  domain.CounterStore
	Keys   domain.KeySpace
}

// Redeem verifica a credencial e reivindica o marcador com set-if-not-exists.
// Não há laço otimista: a operação ou reivindica o marcador ou não.
func (l TokenLedger) Redeem(ctx context.Context, raw string) (domain.TokenRecord, error) {
	rec, err := l.Issuer.Verify(raw)
	if err != nil {
		return rec, err
	}

	ttl := rec.ExpiresAt.Sub(l.Issuer.now())
	if ttl < time.Millisecond {
		return rec, domain.ErrExpiredCredential
	}

	claimed, err := l.Store.SetNX(ctx, l.Keys.Used(rec.Sequence), rec.OwnerID, ttl)
	if err != nil {
		return rec, err
	}
	if !claimed {
		return rec, domain.ErrAlreadyUsed
	}
	return rec, nil
}

// Used informa se o token já foi resgatado, sem consumi-lo.
func (l TokenLedger) Used(ctx context.Context, rec domain.TokenRecord) (bool, error) {
	return l.Store.Exists(ctx, l.Keys.Used(rec.Sequence))
}
