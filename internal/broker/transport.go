// Package broker is the typed facade over the broker's opaque command
// transport (C1). It is the only component that talks to the outside world:
// every other component reaches the broker only through Gateway's typed
// operations. Decoding the transport's untyped results into domain records,
// classifying failures, and retrying idempotent reads all happen here and
// nowhere else.
package broker

import "context"

// Transport is the opaque request/response channel the broker terminal
// exposes. Results are returned as the "structured dictionary-like result"
// the spec describes; Gateway is responsible for decoding them into typed
// domain records and never hands a raw map further downstream.
type Transport interface {
	Call(ctx context.Context, op string, args map[string]any) (map[string]any, error)
}
