package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dshills/tabflow/result"
)

// TestMySQLIntegration runs against a real MySQL database.
//
// To run this test:
//
//	export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/test_db"
//	go test -v -run TestMySQLIntegration ./render/store
func TestMySQLIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL integration test: Set TEST_MYSQL_DSN environment variable to run")
	}

	ctx := context.Background()
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("Failed to create MySQLStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	id := time.Now().UnixNano()
	wf := &Workflow{ID: id, StateVersion: 1, Tabs: []Tab{{
		Slug: "tab-1", Name: "Tab 1",
		Steps: []Step{{ID: 1, Slug: "step-1", ModuleSlug: "upper", LastRelevantStateVersion: 1}},
	}}}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c := &CachedRenderResult{WorkflowID: id, StepID: 1, StateVersion: 1, Status: result.StatusUnreachable}
	if err := s.PutCachedResult(ctx, c); err != nil {
		t.Fatalf("PutCachedResult: %v", err)
	}

	if _, err := s.ApplyDelta(ctx, id, func(wf *Workflow) error {
		wf.Tabs[0].Steps[0].LastRelevantStateVersion = wf.StateVersion
		return nil
	}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if err := s.PutCachedResult(ctx, c); !errors.Is(err, ErrStale) {
		t.Errorf("stale put err = %v", err)
	}
	c.StateVersion = 2
	if err := s.PutCachedResult(ctx, c); err != nil {
		t.Fatalf("PutCachedResult at new version: %v", err)
	}
	loaded, err := s.LoadWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if !loaded.Step(1).Fresh() {
		t.Errorf("step should be fresh at version 2")
	}
}
