package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/app"
	"evtcore/config"
	apperrors "evtcore/errors"
	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/modeling"
	"evtcore/prepare"
)

var orderType = modeling.NewNamedAggregate("sales", "order")

// writeConfig 使用临时目录中的 sqlite 文件，多次创建引擎可以看到同一份数据
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "evtcore.yaml")
	content := fmt.Sprintf(`logging:
  level: error
event_store:
  backend: sqlite
bus:
  transport: sync
sqlite:
  driver: sqlite
  dsn: %q
`, filepath.Join(dir, "evt.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func seed(t *testing.T, path string, ids ...string) {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	e, err := app.New(context.Background(), cfg, app.WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	defer e.Close(context.Background())

	for _, id := range ids {
		aggID := orderType.Aggregate(id)
		for v := uint64(1); v <= 2; v++ {
			s, err := eventing.NewDomainEventStream(aggID, v, fmt.Sprintf("%s-%d", id, v), "cmd", nil,
				[]eventing.EventBody{eventing.NewEventBody("line_added", map[string]any{"v": v})}, time.Now())
			require.NoError(t, err)
			require.NoError(t, e.EventStore().Append(context.Background(), s))
		}
	}
	key, err := app.PrepareKey[string](e, "order_no")
	require.NoError(t, err)
	ok, err := key.Prepare(context.Background(), "N-1", prepare.Forever(ids[0]))
	require.NoError(t, err)
	require.True(t, ok)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEventsLoad(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "o-1")

	out, err := run(t, "events", "load", "sales.order", "o-1", "--config", path, "--head", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var s eventing.DomainEventStream
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &s))
	assert.Equal(t, uint64(2), s.Version)
	assert.Equal(t, "o-1", s.AggregateId.ID)
}

func TestEventsScan(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "o-2", "o-1", "o-3")

	out, err := run(t, "events", "scan", "sales.order", "--config", path, "--after", "o-1", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.NotContains(t, out, "o-1")
	assert.Less(t, strings.Index(out, "o-2"), strings.Index(out, "o-3"))
	assert.GreaterOrEqual(t, strings.Index(out, "o-2"), 0)
}

func TestResend(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "o-1", "o-2")

	out, err := run(t, "resend", "sales.order", "o-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "resent 2 event streams")

	_, err = run(t, "resend", "sales.order", "--config", path)
	assert.ErrorContains(t, err, "--all")

	out, err = run(t, "resend", "sales.order", "--all", "--head", "2", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "resent 2 event streams")
}

func TestPrepareGetAndRollback(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, "o-1")

	out, err := run(t, "prepare", "get", "order_no", "N-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"o-1"`)

	out, err = run(t, "prepare", "rollback", "order_no", "N-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "released order_no:N-1")

	_, err = run(t, "prepare", "get", "order_no", "N-1", "--config", path)
	assert.ErrorContains(t, err, "not prepared")
	assert.Equal(t, 1, apperrors.ExitCode(err))

	out, err = run(t, "prepare", "rollback", "order_no", "N-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "was not prepared")
}

func TestConfigPrintsEffectiveYAML(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "backend: sqlite")
	assert.Contains(t, out, "transport: sync")
}

func TestInvalidAggregateType(t *testing.T) {
	_, err := run(t, "events", "load", "orders", "o-1")
	assert.Error(t, err)
	assert.Equal(t, 2, apperrors.ExitCode(apperrors.Normalize(err)))
}
