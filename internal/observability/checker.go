package observability

import "context"

// Checker reports the health of one dependency of the readiness probe.
// Implementations must respect the context deadline.
type Checker interface {
	// Name identifies the component in the probe body, e.g. "redis" or "config".
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a check function to a named Checker.
func CheckFunc(name string, check func(ctx context.Context) error) Checker {
	return funcChecker{name: name, check: check}
}

type funcChecker struct {
	name  string
	check func(ctx context.Context) error
}

func (f funcChecker) Name() string                    { return f.name }
func (f funcChecker) Check(ctx context.Context) error { return f.check(ctx) }
