package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// setupMockStore mirrors internal/jobs/cockroach_test.go's setupMockDB:
// no live postgres instance is available in this environment, so every
// query is matched against an expectation instead of a real database.
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("new mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestCreateSession(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "s1", Title: "hello", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.ID, sess.Title, string(sess.Status), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "s1", Title: "hello", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.ID, sess.Title, string(sess.Status), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&fakePQError{msg: `pq: duplicate key value violates unique constraint "sessions_pkey"`})

	if err := s.CreateSession(ctx, sess); err != store.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetSession(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "title", "status", "created_at", "updated_at"}).
		AddRow("s1", "hello", string(models.SessionIdle), now, now)
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = \\$1").
		WithArgs("s1").
		WillReturnRows(rows)

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Title != "hello" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestResolvePermissionRequestConflict(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE permission_requests SET").
		WithArgs(string(models.PermissionApproved), string(models.ScopeOnce), sqlmock.AnyArg(), "req-1", string(models.PermissionPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ResolvePermissionRequest(ctx, "req-1", models.PermissionApproved, models.ScopeOnce, time.Now())
	if err != store.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpsertToolPolicy(t *testing.T) {
	s, mock := setupMockStore(t)
	ctx := context.Background()

	p := &models.ToolPolicy{ToolName: "write_file", Policy: models.PolicyAllow}
	mock.ExpectExec("INSERT INTO tool_policies").
		WithArgs(p.ToolName, string(p.Policy)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertToolPolicy(ctx, p); err != nil {
		t.Fatalf("upsert tool policy: %v", err)
	}
}

// fakePQError stands in for a lib/pq duplicate-key error without
// pulling in a live connection; only Error() is exercised by
// isDuplicate's strings.Contains check.
type fakePQError struct{ msg string }

func (e *fakePQError) Error() string { return e.msg }
