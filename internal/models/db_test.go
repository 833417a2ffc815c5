package models

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureSQLiteDirCreatesParent(t *testing.T) {
	root := t.TempDir()
	dsn := filepath.Join(root, "nested", "classdues.db") + "?_pragma=busy_timeout(5000)"
	if err := ensureSQLiteDir(dsn); err != nil {
		t.Fatalf("ensure dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "nested")); err != nil {
		t.Fatalf("expected parent dir to exist: %v", err)
	}
}

func TestEnsureSQLiteDirSkipsMemory(t *testing.T) {
	if err := ensureSQLiteDir("file:test?mode=memory&cache=shared"); err != nil {
		t.Fatalf("memory dsn should be ignored: %v", err)
	}
}

func TestParseMoney(t *testing.T) {
	m, err := ParseMoney(" 80 ")
	if err != nil {
		t.Fatalf("parse money failed: %v", err)
	}
	if m.String() != "80.00" {
		t.Fatalf("unexpected money: %s", m.String())
	}
	if _, err := ParseMoney("-1"); err == nil {
		t.Fatalf("negative money should be rejected")
	}
	if _, err := ParseMoney("abc"); err == nil {
		t.Fatalf("invalid money should be rejected")
	}
}
