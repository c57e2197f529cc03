package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/courier-systems/courier-stack/correspondence/internal/seed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var failedJob = models.Job{
	ID:          uuid.MustParse("0190f0c4-7b7e-7a2b-9c1d-3f4e5a6b7c8d"),
	Type:        "correspondence.publish",
	Payload:     json.RawMessage(`{"correspondence_id":"abc"}`),
	Status:      models.JobFailed,
	Attempts:    5,
	MaxAttempts: 5,
	RunAt:       time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	LastError:   "dialogs is currently unavailable",
}

type callLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *callLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, r.URL.String())
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func newAdminServer(t *testing.T) (*httptest.Server, *callLog) {
	t.Helper()
	calls := &callLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/jobs", func(w http.ResponseWriter, r *http.Request) {
		calls.add(r)
		_ = json.NewEncoder(w).Encode([]models.Job{failedJob})
	})
	mux.HandleFunc("POST /admin/jobs/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
		calls.add(r)
		if r.PathValue("id") != failedJob.ID.String() {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "job is not failed"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /admin/repair/{check}", func(w http.ResponseWriter, r *http.Request) {
		calls.add(r)
		_ = json.NewEncoder(w).Encode(repair.Report{Check: r.PathValue("check"), Scanned: 4, Satisfied: 1, Enqueued: 3})
	})
	mux.HandleFunc("GET /admin/timers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"running":    true,
			"task_count": 2,
			"tasks": map[string]any{
				"attachment-expiry": map[string]any{"runs": 3, "errors": 1, "last_run": "2026-05-04T08:00:00Z", "last_error": "database unavailable"},
			},
		})
	})
	mux.HandleFunc("POST /admin/seed", func(w http.ResponseWriter, r *http.Request) {
		calls.add(r)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(seed.Summary{Attachments: 3, Correspondences: 2, Notifications: 1, IDs: []uuid.UUID{failedJob.ID}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, calls
}

func execute(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"jobs", "repair", "timers", "seed"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestJobsListTable(t *testing.T) {
	server, calls := newAdminServer(t)

	out, err := execute(t, server, "jobs", "list", "--status", "failed", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, failedJob.ID.String())
	assert.Contains(t, out, "5/5")
	assert.Contains(t, out, "dialogs is currently unavailable")
	require.Len(t, calls.all(), 1)
	assert.Equal(t, "/admin/jobs?limit=5&status=failed", calls.all()[0])
}

func TestJobsListJSON(t *testing.T) {
	server, _ := newAdminServer(t)

	out, err := execute(t, server, "jobs", "list", "-o", "json")
	require.NoError(t, err)

	var views []jobView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, failedJob.ID, views[0].ID)
	assert.Equal(t, `{"correspondence_id":"abc"}`, views[0].Payload)
}

func TestJobsReplay(t *testing.T) {
	server, calls := newAdminServer(t)

	out, err := execute(t, server, "jobs", "replay", failedJob.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "re-enqueued")
	assert.Equal(t, "/admin/jobs/"+failedJob.ID.String()+"/replay", calls.all()[0])

	_, err = execute(t, server, "jobs", "replay", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job is not failed")

	_, err = execute(t, server, "jobs", "replay", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid job id")
}

func TestRepairYAML(t *testing.T) {
	server, calls := newAdminServer(t)

	out, err := execute(t, server, "repair", "publishes", "--batch-size", "50", "--older-than", "10m", "-o", "yaml")
	require.NoError(t, err)

	var report repair.Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, "publishes", report.Check)
	assert.Equal(t, 3, report.Enqueued)
	assert.Equal(t, "/admin/repair/publishes?batch_size=50&older_than=10m0s", calls.all()[0])
}

func TestRepairExpiryHasNoAgeFlag(t *testing.T) {
	server, _ := newAdminServer(t)

	_, err := execute(t, server, "repair", "expiry", "--older-than", "1h")
	assert.Error(t, err)

	out, err := execute(t, server, "repair", "expiry")
	require.NoError(t, err)
	assert.Contains(t, out, "expiry")
}

func TestTimers(t *testing.T) {
	server, _ := newAdminServer(t)

	out, err := execute(t, server, "timers")
	require.NoError(t, err)
	assert.Contains(t, out, "Timers: running (2 scheduled)")
	assert.Contains(t, out, "attachment-expiry")
	assert.Contains(t, out, "database unavailable")
}

func TestSeed(t *testing.T) {
	server, calls := newAdminServer(t)

	out, err := execute(t, server, "seed", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "created 2 correspondences, 3 attachments, 1 notifications")
	assert.Equal(t, "/admin/seed?count=2", calls.all()[0])

	_, err = execute(t, server, "seed", "--count", "0")
	assert.Error(t, err)
}

func TestUnknownOutputFormat(t *testing.T) {
	server, _ := newAdminServer(t)

	_, err := execute(t, server, "timers", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestTableAlignsColumns(t *testing.T) {
	tbl := newTable("A", "LONGER")
	tbl.addRow("wide value", "x")
	var buf bytes.Buffer
	tbl.render(&buf)

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, bytes.Index(lines[0], []byte("LONGER")), bytes.Index(lines[len(lines)-1], []byte("x")))
}
