package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUpToLimit(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("42") {
			t.Fatalf("request %d denied below the limit", i+1)
		}
	}
	if l.Allow("42") {
		t.Error("request above the limit was admitted")
	}

	w := l.Wait("42")
	if w <= 0 || w > 60 {
		t.Errorf("Wait: got %d, want 0 < w <= 60", w)
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(2, 100*time.Millisecond)

	if !l.Allow("42") || !l.Allow("42") {
		t.Fatal("initial requests denied")
	}
	if l.Allow("42") {
		t.Fatal("third request admitted inside the window")
	}

	time.Sleep(150 * time.Millisecond)
	if !l.Allow("42") {
		t.Error("request denied after the window elapsed")
	}
}

func TestPrincipalsIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if !l.Allow("42") {
		t.Fatal("first principal denied")
	}
	if !l.Allow("43") {
		t.Error("second principal denied by first principal's usage")
	}
	if l.Allow("42") {
		t.Error("first principal admitted over its limit")
	}
}

func TestWaitWithHeadroom(t *testing.T) {
	l := New(3, time.Minute)

	if got := l.Wait("42"); got != 0 {
		t.Errorf("Wait for unseen principal: got %d, want 0", got)
	}
	l.Allow("42")
	if got := l.Wait("42"); got != 0 {
		t.Errorf("Wait below the limit: got %d, want 0", got)
	}
}
