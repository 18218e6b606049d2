package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/atomiccache"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("cache hit", atomiccache.Fields{"keyspace": "user", "key": "user:1:100"})
	l.Warn("giving up", atomiccache.Fields{"err": errors.New("boom")})

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].LoggerName != "atomiccache" {
		t.Fatalf("entry = %+v", entries[0])
	}
	ctx := entries[0].ContextMap()
	if ctx["keyspace"] != "user" || ctx["key"] != "user:1:100" {
		t.Fatalf("fields = %v", ctx)
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["err"] != "boom" {
		t.Fatalf("warn entry = %+v", entries[1].ContextMap())
	}
}

func TestNilLogger(t *testing.T) {
	New(nil).Error("dropped", nil)
}
