package logging

import (
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewLoggerWithComponent(t *testing.T) {
	l := NewLoggerWithComponent("timelined")
	hook := logrustest.NewLocal(l)
	l.SetOutput(NewDiscardLogger().Out)

	l.Info("hello")
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected entry")
	}
	if entry.Data["component"] != "timelined" {
		t.Fatalf("expected component field, got %v", entry.Data)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("expected discard logger")
	}
	l := NewLogger()
	if OrDiscard(l) != l {
		t.Fatalf("expected same logger back")
	}
}
