package log

// discardLogger drops every message. Used as the default logger for
// components that are not given an explicit one, and in tests.
type discardLogger struct{}

// Discard returns a no-op handler that discards all generated output.
func Discard() Logger {
	return discardLogger{}
}

func (discardLogger) Debug(...interface{})                    {}
func (discardLogger) Debugf(string, ...interface{})            {}
func (discardLogger) Info(...interface{})                      {}
func (discardLogger) Infof(string, ...interface{})              {}
func (discardLogger) Warning(...interface{})                   {}
func (discardLogger) Warningf(string, ...interface{})           {}
func (discardLogger) Error(...interface{})                     {}
func (discardLogger) Errorf(string, ...interface{})             {}
func (discardLogger) Panic(...interface{})                     {}
func (discardLogger) Panicf(string, ...interface{})             {}
func (discardLogger) Fatal(...interface{})                     {}
func (discardLogger) Fatalf(string, ...interface{})             {}
func (discardLogger) Print(Level, ...interface{})              {}
func (discardLogger) Printf(Level, string, ...interface{})      {}
func (d discardLogger) WithFields(Fields) Logger                { return d }
func (d discardLogger) WithField(string, interface{}) Logger    { return d }
func (d discardLogger) Sub(Fields) Logger                       { return d }
