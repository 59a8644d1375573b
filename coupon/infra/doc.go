// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisCounterStore: contadores com WATCH/MULTI e script Lua de admissão
//   - MemoryCounterStore: o mesmo contrato em memória, para testes e dev
//   - JWTCodec: credencial HS256 autocontida
//   - RedisEventStore, MemoryEventStore, PrometheusRecorder, SQLiteJournal: eventos
//   - ThrottleStore: token bucket por chave usando golang.org/x/time/rate
//   - NewSlotPool: semáforo simples para limite de concorrência
package infra
