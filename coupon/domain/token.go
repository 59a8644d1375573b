package domain

import "time"

// TokenRecord é imutável depois de emitido. A autenticidade é verificável sem
// consultar o store (credencial assinada e autocontida).
type TokenRecord struct {
	Sequence  int64
	OwnerID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired informa se o token já não vale em now.
func (r TokenRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CredentialCodec produz e confere a codificação à prova de adulteração.
//
// Decode só confere assinatura e formato; expiração é responsabilidade de quem
// chama (TokenIssuer), que é dono do relógio.
type CredentialCodec interface {
	Encode(rec TokenRecord) (string, error)
	Decode(raw string) (TokenRecord, error)
}
