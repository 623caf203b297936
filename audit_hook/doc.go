// Package audithook is an opqueue extension that turns queue lifecycle
// events into audit records.
//
// Item, circuit, queue and batch hooks each emit a structured
// [AuditEvent] through the [Recorder] interface. Normal progress is
// recorded at info severity, retries and circuit trips at warning, and
// terminal failures at critical.
//
// # Usage
//
//	eng, _ := engine.New(cfg, engine.WithExtension(
//	    audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	        return auditLog.Append(ctx, evt)
//	    })),
//	))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionItemDead,
//	        audithook.ActionCircuitOpened,
//	    ),
//	)
package audithook
