package core

// Logger is any service that can log messages.
// expected args: error, map[string]interface{}, Person
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies the authenticated user a log entry relates to.
type Person struct {
	ID       string
	SchoolID string
	Username string
}
