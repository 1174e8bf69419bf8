// Package eventprocessor turns raw ring buffer records into rendered
// events.
//
//	ring buffer record ([]byte)
//	        │
//	        ▼
//	bpf.Decode ──→ *bpf.DecodeError (counted and skipped by eventstream)
//	        │
//	        ▼
//	procmeta.Manager   only when an expression reads args, cmdline or env
//	        │
//	        ▼
//	attributes.Evaluator
//	        │
//	        ▼
//	output.EventHandler ──→ error (logged, counted in SinkErrors)
//
// Processor.Decode has the eventstream.Decoder signature and is registered
// once per buffer. It runs on the stream goroutine. With one stream it
// writes to the formatter directly; handlers shared between streams go
// through an output.Funnel.
package eventprocessor
