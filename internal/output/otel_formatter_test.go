package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return recorder, tp.Tracer("test")
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestOTELFormatter_Spans(t *testing.T) {
	recorder, tracer := newRecorder(t)

	f := NewOTELFormatter(tracer, OTELOptions{RunID: "run-1"})
	require.NoError(t, f.HandleEvent(&bpf.Event{Pid: 1234, Comm: "bash", Filename: "/tmp/x"},
		[]attribute.KeyValue{attribute.String("user", "alice")}))
	require.NoError(t, f.HandleEvent(&bpf.Event{Pid: 1234, Comm: "rm", Ret: -2}, nil))

	// The session span is still open.
	require.Len(t, recorder.Ended(), 2)
	require.NoError(t, f.Close())

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	unlink, ret, session := spans[0], spans[1], spans[2]
	assert.Equal(t, SessionSpanName, session.Name())
	assert.Equal(t, EventSpanName, unlink.Name())

	assert.Equal(t, session.SpanContext().SpanID(), unlink.Parent().SpanID())
	assert.Equal(t, session.SpanContext().TraceID(), ret.SpanContext().TraceID())

	attrs := attrMap(unlink.Attributes())
	assert.Equal(t, "1234", attrs["process.pid"])
	assert.Equal(t, "bash", attrs["process.command"])
	assert.Equal(t, "/tmp/x", attrs["file.path"])
	assert.Equal(t, "alice", attrs["user"])
	assert.Equal(t, "run-1", attrs["run_id"])
	assert.Equal(t, codes.Unset, unlink.Status().Code)

	attrs = attrMap(ret.Attributes())
	assert.Equal(t, "-2", attrs["bpf.ret"])
	assert.NotContains(t, attrs, "file.path")
	assert.Equal(t, codes.Error, ret.Status().Code)

	assert.Equal(t, "2", attrMap(session.Attributes())["bpf.events"])
}

func TestOTELFormatter_Parent(t *testing.T) {
	recorder, tracer := newRecorder(t)

	traceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	parentID, err := trace.SpanIDFromHex("0123456789abcdef")
	require.NoError(t, err)

	f := NewOTELFormatter(tracer, OTELOptions{
		TraceID:    traceID,
		ParentID:   parentID,
		Attributes: []attribute.KeyValue{attribute.String("_parent_id_expr_result", "x")},
	})
	require.NoError(t, f.Close())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext().TraceID())
	assert.Equal(t, parentID, spans[0].Parent().SpanID())
	assert.True(t, spans[0].Parent().IsRemote())
	assert.Equal(t, "x", attrMap(spans[0].Attributes())["_parent_id_expr_result"])
}

func TestOTELFormatter_Closed(t *testing.T) {
	recorder, tracer := newRecorder(t)

	f := NewOTELFormatter(tracer, OTELOptions{})
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	err := f.HandleEvent(&bpf.Event{Pid: 1}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, recorder.Ended(), 1)
}
