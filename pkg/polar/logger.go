package polar

// Field is a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// ErrorField returns the "error" field.
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// BillableField returns the "billable" field rendered as "type:id".
func BillableField(owner Billable) Field {
	return Field{Key: "billable", Value: RefOf(owner).String()}
}

// Logger is the structured logger every component accepts. Components
// default to NoopLogger; pkg/polar/logger/zerolog adapts zerolog.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
