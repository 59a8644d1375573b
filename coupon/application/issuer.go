package application

import (
	"errors"
	"time"

	"coupon-gateway/coupon/domain"
)

const DefaultTokenTTL = 24 * time.Hour

// TokenIssuer emite e verifica credenciais. Não faz I/O nem checa uso; isso é
// papel do TokenLedger.
type TokenIssuer struct {
	Codec domain.CredentialCodec
	TTL   time.Duration
	Now   func() time.Time
}

func (i TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Mint monta o registro (issuedAt = agora, expiresAt = issuedAt + TTL) e o codifica.
func (i TokenIssuer) Mint(sequence int64, ownerID string) (domain.TokenRecord, string, error) {
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issued := i.now().UTC().Truncate(time.Second)
	rec := domain.TokenRecord{
		Sequence:  sequence,
		OwnerID:   ownerID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
	}
	raw, err := i.Codec.Encode(rec)
	if err != nil {
		return domain.TokenRecord{}, "", err
	}
	return rec, raw, nil
}

// Verify confere assinatura e validade. Retorna ErrInvalidCredential ou
// ErrExpiredCredential.
func (i TokenIssuer) Verify(raw string) (domain.TokenRecord, error) {
	rec, err := i.Codec.Decode(raw)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredential) {
			return domain.TokenRecord{}, err
		}
		return domain.TokenRecord{}, errors.Join(domain.ErrInvalidCredential, err)
	}
	if rec.Sequence <= 0 || rec.OwnerID == "" {
		return domain.TokenRecord{}, domain.ErrInvalidCredential
	}
	if rec.Expired(i.now()) {
		return rec, domain.ErrExpiredCredential
	}
	return rec, nil
}
