package service

import (
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
)

func newTestTicketService() *TicketService {
	return NewTicketService(config.Tickets{
		Secret: "test-ticket-secret-at-least-16b",
		TTL:    time.Minute,
	})
}

func TestTicketService_MintAndVerify(t *testing.T) {
	svc := newTestTicketService()

	ticket, expiresAt, err := svc.MintStreamTicket("s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ticket == "" {
		t.Fatal("ticket is empty")
	}
	if !expiresAt.After(time.Now()) {
		t.Errorf("expiresAt = %v, want in the future", expiresAt)
	}
	if err := svc.VerifyStreamTicket("s1", ticket); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTicketService_WrongSession(t *testing.T) {
	svc := newTestTicketService()

	ticket, _, err := svc.MintStreamTicket("s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := svc.VerifyStreamTicket("s2", ticket); err == nil {
		t.Fatal("expected error for wrong session")
	}
}

func TestTicketService_Expired(t *testing.T) {
	svc := newTestTicketService()
	base := time.Now()
	svc.now = func() time.Time { return base }

	ticket, _, err := svc.MintStreamTicket("s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := svc.VerifyStreamTicket("s1", ticket); err == nil {
		t.Fatal("expected error for expired ticket")
	}
}

func TestTicketService_TamperedSignature(t *testing.T) {
	svc := newTestTicketService()

	ticket, _, err := svc.MintStreamTicket("s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	parts := strings.Split(ticket, ".")
	tampered := parts[0] + ".AAAA" + parts[1][4:]
	if err := svc.VerifyStreamTicket("s1", tampered); err == nil {
		t.Fatal("expected error for tampered signature")
	}
}

func TestTicketService_Malformed(t *testing.T) {
	svc := newTestTicketService()

	for _, ticket := range []string{"", "no-dot", "a.b.c", "!!!.###"} {
		if err := svc.VerifyStreamTicket("s1", ticket); err == nil {
			t.Errorf("VerifyStreamTicket(%q) = nil, want error", ticket)
		}
	}
}

func TestTicketService_WrongSecret(t *testing.T) {
	svc := newTestTicketService()
	other := NewTicketService(config.Tickets{
		Secret: "another-secret-entirely-here",
		TTL:    time.Minute,
	})

	ticket, _, err := svc.MintStreamTicket("s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := other.VerifyStreamTicket("s1", ticket); err == nil {
		t.Fatal("expected error for ticket signed with another secret")
	}
}

func TestTicketService_IngestToken(t *testing.T) {
	svc := newTestTicketService()

	token, hash, err := svc.MintIngestToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if token == "" || hash == "" {
		t.Fatal("empty token or hash")
	}
	if token == hash {
		t.Error("token and hash should differ")
	}
	if got := svc.HashToken(token); got != hash {
		t.Errorf("HashToken = %q, want %q", got, hash)
	}

	token2, hash2, err := svc.MintIngestToken()
	if err != nil {
		t.Fatalf("mint second: %v", err)
	}
	if token2 == token || hash2 == hash {
		t.Error("consecutive tokens should be distinct")
	}
}
