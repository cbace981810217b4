package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRenewerSkipsFreshCredential(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return issuedAt })
	token, _, err := issuer.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	var calls int32
	renewer, err := NewRenewer(RenewerConfig{
		Token: token,
		Renew: func(context.Context, string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", errors.New("should not renew")
		},
		Clock: func() time.Time { return issuedAt.Add(30 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	renewed, err := renewer.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if renewed || atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("did not expect renewal with 30 minutes remaining")
	}
	if renewer.Token() != token {
		t.Fatalf("token should be unchanged")
	}
}

func TestRenewerRenewsUnderThreshold(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })
	token, _, err := issuer.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = issuedAt.Add(56 * time.Minute)
	renewer, err := NewRenewer(RenewerConfig{
		Token: token,
		Renew: func(_ context.Context, current string) (string, error) {
			fresh, _, err := issuer.Renew(current)
			return fresh, err
		},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	renewed, err := renewer.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if !renewed {
		t.Fatalf("expected renewal with four minutes remaining")
	}
	expiresAt, err := ExpiryOf(renewer.Token())
	if err != nil {
		t.Fatalf("renewed token unreadable: %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected renewed expiry %s, got %s", now.Add(time.Hour), expiresAt)
	}
}

func TestRenewerRunStopsOnCancel(t *testing.T) {
	renewer, err := NewRenewer(RenewerConfig{
		Token:    "unused",
		Renew:    func(context.Context, string) (string, error) { return "", nil },
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		renewer.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("renewer did not stop after cancellation")
	}
}

func TestNewRenewerRequiresRenewFunc(t *testing.T) {
	if _, err := NewRenewer(RenewerConfig{Token: "x"}); err == nil {
		t.Fatalf("expected error for missing renew function")
	}
}
