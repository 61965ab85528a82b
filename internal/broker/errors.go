package broker

import (
	"context"
	"errors"

	"marginctl/internal/errs"
)

// classifyTransportErr turns a raw transport-level error (network, IO,
// deadline) into the typed taxonomy. ctx is consulted so a cancelled
// shutdown is reported as Cancelled rather than Transport.
func classifyTransportErr(ctx context.Context, op string, err error) *errs.Error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.KindCancelled, "broker."+op, "context cancelled", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, "broker."+op, "call exceeded timeout", err)
	}
	return errs.Wrap(errs.KindTransport, "broker."+op, "transport call failed", err)
}

// classifyResult inspects a well-formed (error == nil) transport result for
// the broker's own rejection signal: a missing or non-boolean success field
// is Malformed, and success=false is BrokerRejected, carrying whatever
// "error" string the broker supplied.
func classifyResult(op string, result map[string]any) *errs.Error {
	ok, present := result["success"].(bool)
	if !present {
		return errs.New(errs.KindMalformed, "broker."+op, "response missing success field")
	}
	if !ok {
		reason, _ := result["error"].(string)
		if reason == "" {
			reason = "broker rejected the request"
		}
		return errs.New(errs.KindBrokerRejected, "broker."+op, reason)
	}
	return nil
}
