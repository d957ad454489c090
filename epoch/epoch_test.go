package epoch

import (
	"testing"

	"zerok.dev/zerok/zerr"
)

func TestMemBumpMonotonic(t *testing.T) {
	st := NewMem()

	if _, ok, _ := st.Get("myapp"); ok {
		t.Fatalf("fresh store has a record")
	}
	if err := st.Bump("myapp", 5); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	e, ok, err := st.Get("myapp")
	if err != nil || !ok || e != 5 {
		t.Fatalf("Get: %d %t %v", e, ok, err)
	}

	if err := st.Bump("myapp", 4); zerr.RuleID(err) != RuleRegression {
		t.Fatalf("regression accepted: %v", err)
	}
	// Re-recording the same epoch is allowed.
	if err := st.Bump("myapp", 5); err != nil {
		t.Fatalf("same-epoch bump failed: %v", err)
	}
}

func TestCheck(t *testing.T) {
	st := NewMem()
	if err := st.Bump("myapp", 5); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	if err := Check(st, "myapp", 4); zerr.RuleID(err) != RuleRollback {
		t.Fatalf("rollback accepted: %v", err)
	}
	if err := Check(st, "myapp", 5); err != nil {
		t.Fatalf("equal epoch rejected: %v", err)
	}
	if err := Check(st, "myapp", 6); err != nil {
		t.Fatalf("newer epoch rejected: %v", err)
	}
	// Unknown names pass: there is nothing to roll back from.
	if err := Check(st, "other", 0); err != nil {
		t.Fatalf("unknown name rejected: %v", err)
	}
}

func TestCheckName(t *testing.T) {
	for _, bad := range []string{"", "../evil", "a/b", "name with space"} {
		if err := CheckName(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
	if err := CheckName("my-app_1.2"); err != nil {
		t.Fatalf("rejected valid name: %v", err)
	}
}
