package observability

import (
	"context"
	"testing"

	"github.com/bdobrica/stevedore/common/trace"
)

func TestWithTrace_NoTraceID(t *testing.T) {
	logger := WithTrace(context.Background())
	if logger == nil {
		t.Fatal("expected a logger even without a trace ID")
	}
}

func TestWithTrace_CarriesTraceID(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_test123")
	logger := WithTrace(ctx)
	if logger == nil {
		t.Fatal("expected a logger")
	}
	// The logger must be distinct from the default since it carries an
	// additional attribute.
	if logger == WithTrace(context.Background()) {
		t.Error("expected trace-scoped logger to differ from default")
	}
}
