package domain

import (
	"context"
	"time"
)

type EventKind string

const (
	EventIssued           EventKind = "issued"
	EventQuotaRejected    EventKind = "quota_rejected"
	EventRedeemed         EventKind = "redeemed"
	EventRedeemRejected   EventKind = "redeem_rejected"
	EventContention       EventKind = "contention"
	EventStoreUnavailable EventKind = "store_unavailable"
	EventCancelled        EventKind = "cancelled"
)

// Event representa um resultado de emissão ou resgate.
//
// Observação: cuidado com cardinalidade ao indexar por OwnerID
// (Redis/Prometheus), por isso os backends só rastreiam donos quando configurado.
type Event struct {
	Kind     EventKind
	OwnerID  string
	Sequence int64
	// Scope só é preenchido em EventQuotaRejected.
	Scope Scope
	// Reason é preenchido em EventRedeemRejected (invalid, expired, already_used).
	Reason string

	At        time.Time
	ExpiresAt time.Time
}

// EventRecorder é a estratégia de persistência de eventos.
//
// Implementações podem gravar em Redis, SQLite, Prometheus, memória etc.
// O serviço trata erro como best-effort (não derruba a emissão).
type EventRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// Journal é um registro consultável de emissões, usado na reconciliação dos
// contadores por dono.
type Journal interface {
	EventRecorder
	IssuedByOwner(ctx context.Context) (map[string]int64, error)
}
