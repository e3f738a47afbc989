package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger records log calls so tests can assert that tolerated protocol
// anomalies were surfaced as warnings.
//
// Every log method is matched as (msg, keysAndValues); register
// expectations with mock.Anything for the key/value slice when only the
// message matters.
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

// NewMockLogger returns a MockLogger without expectations.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) record(method, msg string, keysAndValues []any) {
	m.MethodCalled(method, msg, keysAndValues)
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record("Debug", msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record("Info", msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record("Warn", msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record("Error", msg, keysAndValues)
}

// Fatal is recorded like the other levels; it never exits.
func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record("Fatal", msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level Level) {
	m.MethodCalled("SetLevel", level)
}

func (m *MockLogger) Level() Level {
	return m.MethodCalled("Level").Get(0).(Level)
}

// With returns the mock itself so child loggers record into the same expectations.
func (m *MockLogger) With(_ ...any) Logger {
	return m
}
