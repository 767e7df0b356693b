package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	_, _, exp := installTelemetry(t)

	ctx, parent := StartSpan(context.Background(), "conversation.send")
	cid := CorrelationID(ctx)
	if !traceIDPattern.MatchString(cid) {
		t.Fatalf("CorrelationID() = %q, want 32 hex chars", cid)
	}

	childCtx, child := StartSpan(ctx, "runtime.interact")
	if got := CorrelationID(childCtx); got != cid {
		t.Errorf("child CorrelationID() = %q, want parent's %q", got, cid)
	}
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "runtime.interact" || spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Errorf("runtime.interact is not a child of conversation.send: %+v", spans[0].Parent)
	}

	_, other := StartSpan(context.Background(), "conversation.launch")
	defer other.End()
	if got := other.SpanContext().TraceID().String(); got == cid {
		t.Error("unrelated root spans share a trace id")
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents int
	}{
		{name: "success", wantStatus: codes.Unset},
		{name: "failure", err: errors.New("store: insert message: backend down"), wantStatus: codes.Error, wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, exp := installTelemetry(t)

			_, span := StartSpan(context.Background(), "store.insert_message")
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if spans[0].Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", spans[0].Status.Code, tt.wantStatus)
			}
			if len(spans[0].Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(spans[0].Events), tt.wantEvents)
			}
		})
	}
}

func TestLogger_CarriesTraceID(t *testing.T) {
	installTelemetry(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := StartSpan(context.Background(), "speech.session")
	defer span.End()

	Logger(ctx).Info("transcript emitted")
	if want := "trace_id=" + CorrelationID(ctx); !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Errorf("log line %q lacks %q", buf.String(), want)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log line %q has a trace_id without a span", buf.String())
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	prevTP, prevMP, prevProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		otel.SetTextMapPropagator(prevProp)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SampleRatio: 7})
	if err != nil {
		t.Fatalf("InitProvider() error: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "startup")
	if !span.SpanContext().IsSampled() {
		t.Error("span not sampled; out-of-range ratio should default to 1")
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Error("global propagator does not inject traceparent")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error: %v", err)
	}
}
