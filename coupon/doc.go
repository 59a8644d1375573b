// Package coupon fornece o adapter HTTP (net/http) da emissão de cupons com
// cota e resgate único.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (cota, emissão, resgate, throttle) sem net/http
//   - infra: implementações concretas (Redis, memória, JWT, SQLite, Prometheus)
//   - coupon (este pacote): rotas, extração do dono, middlewares e tradução
//     de erros para status/headers
//
// Fluxo de uma requisição:
//
//  1. RequestID gera/propaga X-Request-ID e registra a requisição no log
//  2. Throttle limita a taxa por cliente (429 + Retry-After)
//  3. Concurrency limita requisições em voo (503)
//  4. O handler chama application.Service e traduz o resultado
//
// A identidade do dono vem de um header já autenticado por quem está na frente
// do serviço (X-Owner-ID por padrão).
package coupon
