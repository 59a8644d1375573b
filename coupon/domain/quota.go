package domain

import "fmt"

// Scope é o espaço de identidade ao qual uma cota se aplica.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeOwner
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeOwner:
		return "owner"
	case ScopeGlobal:
		return "global"
	default:
		return "none"
	}
}

// Admission é a decisão do QuotaEnforcer.
type Admission struct {
	Admitted bool
	// Sequence é o número global atribuído quando admitido.
	Sequence int64
	Rejected Scope
	// Current e Limit descrevem o contador que rejeitou.
	Current int64
	Limit   int64
}

// QuotaExceededError é um resultado de negócio esperado, não uma falha do
// sistema. Carrega o escopo que rejeitou e os números para mensagens ao cliente.
type QuotaExceededError struct {
	Scope   Scope
	Current int64
	Limit   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d of %d issued", e.Scope, e.Current, e.Limit)
}
