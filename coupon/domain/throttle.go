package domain

import (
	"context"
	"time"
)

// Camada de domínio do throttling HTTP (taxa de requisições por cliente e
// limite de concorrência). Não interfere na cota de cupons.

type Key string

// Limiter decide se uma ação é permitida agora e, se não, quanto esperar.
type Limiter interface {
	Allow() (ok bool, retryAfter time.Duration)
}

// LimiterStore obtém um limiter por chave (ex: dono, IP).
type LimiterStore interface {
	Get(Key) Limiter
}

type Decision struct {
	Allowed bool
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	RetryAfter time.Duration
}

// SlotPool representa um recurso com capacidade finita (ex: requisições em voo).
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}
