package domain

import (
	"context"
	"time"
)

// CounterStore é a capacidade de chave/valor compartilhada usada pelo núcleo.
//
// Cada operação é atômica por chave no próprio store. Nenhum componente segura
// lock local entre duas chamadas; toda coordenação depende do store.
// Falhas de transporte devem ser retornadas embrulhando ErrStoreUnavailable.
type CounterStore interface {
	// Get retorna o valor inteiro da chave, ou 0 se ela não existe.
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// IncrIfUnchanged observa a chave, relê o valor e só incrementa se ele ainda
	// for igual a expected (watch/commit otimista). Retorna ErrConflict quando
	// outro escritor alterou a chave no meio do caminho.
	IncrIfUnchanged(ctx context.Context, key string, expected int64) (int64, error)

	// ConsumeIfUnchanged é o commit da fase global: incrementa key e
	// slots.Consumed juntos, desde que key ainda valha expected (senão
	// ErrConflict) e que exista vaga reservada livre, Reserved > Consumed
	// (senão ErrSlotReclaimed).
	ConsumeIfUnchanged(ctx context.Context, key string, expected int64, slots OwnerSlots) (int64, error)

	// ReleaseSlot devolve uma vaga reservada livre (decrementa Reserved se
	// Reserved > Consumed). Retorna false quando não havia vaga livre.
	ReleaseSlot(ctx context.Context, slots OwnerSlots) (bool, error)

	// ReclaimSlots baixa Reserved até Consumed, somente se Reserved ainda valer
	// expectedReserved (senão ErrConflict). Retorna quantas vagas foram devolvidas.
	ReclaimSlots(ctx context.Context, slots OwnerSlots, expectedReserved int64) (int64, error)

	// SetNX grava value somente se a chave não existir, com expiração ttl.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Scan lista as chaves que casam com o padrão glob (ex: "owner_counter:*").
	Scan(ctx context.Context, match string) ([]string, error)
	Ping(ctx context.Context) error
}

// AtomicAdmitter é uma capacidade opcional: stores que executam operações
// multi-chave atômicas (ex: script Lua no Redis) fazem as duas verificações de
// cota e os dois incrementos de uma vez, sem janela de compensação.
type AtomicAdmitter interface {
	AdmitAtomically(ctx context.Context, slots OwnerSlots, globalKey string, ownerLimit, globalLimit int64) (AtomicAdmission, error)
}

// OwnerSlots nomeia as chaves de vagas de um dono: Reserved (owner_counter,
// avança na fase do dono) e Consumed (owner_issued, avança com o global).
//
// Invariante: Consumed <= Reserved <= limite do dono. Reserved - Consumed são
// vagas em trânsito ou presas; só elas podem ser devolvidas.
type OwnerSlots struct {
	Reserved string
	Consumed string
}

// AtomicAdmission é o resultado bruto de AdmitAtomically.
type AtomicAdmission struct {
	Admitted bool
	Rejected Scope
	// Sequence é o valor global após o incremento quando admitido.
	Sequence int64
	// Current é o valor do contador que rejeitou.
	Current int64
}
