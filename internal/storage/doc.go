// Package storage provides the shared cache the shipper coordinates through.
//
// It backs:
//   - the cache buffer (list value + distributed lock)
//   - the circuit breaker (failure counter + dead-until key)
package storage
