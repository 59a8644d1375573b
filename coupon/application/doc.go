// Package application contém os casos de uso da emissão de cupons: contador
// limitado atômico, cota em duas fases, emissão/verificação de tokens e o
// livro de resgates de uso único.
//
// Ele depende apenas do pacote domain e não conhece net/http nem Redis.
// Ex.: Service.IssueToken(ctx, owner) retorna o token emitido ou um
// *domain.QuotaExceededError com o escopo que rejeitou.
package application
