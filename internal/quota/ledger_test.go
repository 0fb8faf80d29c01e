package quota

import (
	"math/rand"
	"testing"
)

// ///////////////////////////////////////////////
// Balance Tests
// ///////////////////////////////////////////////

func TestDecrementOne(t *testing.T) {
	l := NewLedger(2)
	if got := l.DecrementOne(); got != 1 {
		t.Errorf("first DecrementOne = %d, want 1", got)
	}
	if got := l.DecrementOne(); got != 0 {
		t.Errorf("second DecrementOne = %d, want 0", got)
	}
	if got := l.DecrementOne(); got != 0 {
		t.Errorf("DecrementOne at zero = %d, want 0", got)
	}
	if !l.Exhausted() {
		t.Error("Exhausted() = false at zero balance")
	}
}

func TestDecrementOneUnlimited(t *testing.T) {
	l := NewLedger(Unlimited)
	for range 5 {
		l.DecrementOne()
	}
	if got := l.Balance(); got != Unlimited {
		t.Errorf("Balance = %d, want Unlimited", got)
	}
	if l.Exhausted() {
		t.Error("Unlimited ledger reported exhausted")
	}
}

func TestNewLedgerFloorsNegative(t *testing.T) {
	if got := NewLedger(-7).Balance(); got != 0 {
		t.Errorf("NewLedger(-7).Balance() = %d, want 0", got)
	}
}

func TestSetBalanceReplacesMirror(t *testing.T) {
	l := NewLedger(5)
	l.DecrementOne()
	l.SetBalance(100)
	if got := l.Balance(); got != 100 {
		t.Errorf("Balance after SetBalance = %d, want 100", got)
	}
	l.SetBalance(-3)
	if got := l.Balance(); got != 0 {
		t.Errorf("Balance after negative SetBalance = %d, want 0", got)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := range 200 {
		l := NewLedger(int64(r.Intn(10)))
		for range r.Intn(40) {
			switch r.Intn(3) {
			case 0:
				l.DecrementOne()
			case 1:
				l.RecordStep(r.Intn(20), 20)
			case 2:
				l.DecrementOne()
				l.DecrementOne()
			}
			if b := l.Balance(); b < 0 {
				t.Fatalf("trial %d: balance went negative: %d", trial, b)
			}
		}
	}
}

// ///////////////////////////////////////////////
// Progress Tests
// ///////////////////////////////////////////////

func TestRecordStep(t *testing.T) {
	l := NewLedger(10)
	l.RecordStep(1, 10)
	got := l.RecordStep(2, 10)
	if got != (Progress{Completed: 2, Total: 10}) {
		t.Errorf("RecordStep = %+v, want 2/10", got)
	}
	// A lower count does not move progress backwards.
	got = l.RecordStep(1, 10)
	if got.Completed != 2 {
		t.Errorf("Completed after regressive marker = %d, want 2", got.Completed)
	}
	l.ResetProgress()
	if got := l.Progress(); got != (Progress{}) {
		t.Errorf("Progress after reset = %+v, want zero", got)
	}
}

func TestReachedLimit(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		limit     int
		want      bool
	}{
		{"below limit", 4, 5, false},
		{"at limit", 5, 5, true},
		{"zero limit is unlimited", 5, 0, false},
		{"past limit", 6, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(100)
			l.RecordStep(tt.completed, 10)
			if got := l.ReachedLimit(tt.limit); got != tt.want {
				t.Errorf("ReachedLimit(%d) with completed=%d = %v, want %v", tt.limit, tt.completed, got, tt.want)
			}
		})
	}
}

func TestProgressString(t *testing.T) {
	if got := (Progress{Completed: 3, Total: 10}).String(); got != "3/10" {
		t.Errorf("String() = %q, want %q", got, "3/10")
	}
}

func TestFormatBalance(t *testing.T) {
	if got := FormatBalance(Unlimited); got != "∞" {
		t.Errorf("FormatBalance(Unlimited) = %q, want ∞", got)
	}
	if got := FormatBalance(42); got != "42" {
		t.Errorf("FormatBalance(42) = %q, want 42", got)
	}
}
