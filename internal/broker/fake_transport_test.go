package broker

import (
	"context"
	"sync"
)

// fakeTransport is a small hand-written stub transport, in the style of the
// in-memory fakes the teacher's own test suites favor over a mock-generator
// library. script maps an operation name to the sequence of responses
// returned on successive calls to that operation; the last entry repeats
// once exhausted.
type fakeTransport struct {
	mu      sync.Mutex
	script  map[string][]fakeResponse
	calls   map[string]int
	callLog []string
}

type fakeResponse struct {
	result map[string]any
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		script: make(map[string][]fakeResponse),
		calls:  make(map[string]int),
	}
}

func (f *fakeTransport) on(op string, responses ...fakeResponse) *fakeTransport {
	f.script[op] = responses
	return f
}

func ok(fields map[string]any) fakeResponse {
	fields["success"] = true
	return fakeResponse{result: fields}
}

func rejected(reason string) fakeResponse {
	return fakeResponse{result: map[string]any{"success": false, "error": reason}}
}

func transportErr(err error) fakeResponse {
	return fakeResponse{err: err}
}

func (f *fakeTransport) Call(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLog = append(f.callLog, op)
	seq := f.script[op]
	idx := f.calls[op]
	f.calls[op]++
	if len(seq) == 0 {
		return map[string]any{"success": false, "error": "no script for " + op}, nil
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	resp := seq[idx]
	return resp.result, resp.err
}

func (f *fakeTransport) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}
