package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func TestGormLoggerSkipsRecordNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.Background()
	s, err := Open(ctx, Config{
		Path:   filepath.Join(t.TempDir(), "log.db"),
		Logger: NewGormLogger(zap.New(core)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.GetUser(ctx, "nobody")
	require.True(t, IsNotFound(err))
	_, err = s.GetPaperByArxivID(ctx, "0000.00000")
	require.Error(t, err)
	assert.Zero(t, logs.FilterMessage("sql failed").Len())

	require.Error(t, s.db.WithContext(ctx).Exec("SELECT * FROM missing_table").Error)
	failed := logs.FilterMessage("sql failed").All()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ContextMap()["sql"], "missing_table")
}

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core))
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	require.Equal(t, 1, logs.FilterMessage("slow sql").Len())

	l.Trace(ctx, time.Now(), fc, nil)
	assert.Zero(t, logs.FilterMessage("sql").Len(), "fast queries are not logged at warn level")

	silent := l.LogMode(logger.Silent)
	silent.Trace(ctx, time.Now().Add(-time.Second), fc, assert.AnError)
	silent.Warn(ctx, "ignored %d", 1)
	assert.Equal(t, 1, logs.Len())

	verbose := l.LogMode(logger.Info)
	verbose.Trace(ctx, time.Now(), fc, nil)
	assert.Equal(t, 1, logs.FilterMessage("sql").Len())
}
