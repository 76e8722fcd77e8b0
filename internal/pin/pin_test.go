package pin_test

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/pin"
)

var pinFormat = regexp.MustCompile(`^[0-9]{6}$`)

func TestIssueSingle_Format(t *testing.T) {
	issuer := pin.NewIssuer()
	for i := 0; i < 1000; i++ {
		p, err := issuer.IssueSingle()
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !pinFormat.MatchString(p) {
			t.Fatalf("pin %q does not match ^[0-9]{6}$", p)
		}
	}
}

func TestIssueForCart(t *testing.T) {
	issuer := pin.NewIssuer()
	p, groupID, err := issuer.IssueForCart()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !pinFormat.MatchString(p) {
		t.Errorf("pin %q does not match ^[0-9]{6}$", p)
	}
	if groupID == uuid.Nil {
		t.Error("expected non-nil cart group id")
	}
}

func TestBuildQRPayload_Single(t *testing.T) {
	res := domain.Reservation{
		ID:        uuid.New(),
		LotID:     uuid.New(),
		UserID:    uuid.New(),
		PickupPIN: "042137",
		CreatedAt: time.Now(),
	}
	data, err := pin.BuildQRPayload(res)
	if err != nil {
		t.Fatal(err)
	}

	var payload pin.QRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != "single" {
		t.Errorf("expected type single, got %s", payload.Type)
	}
	if payload.PIN != "042137" {
		t.Errorf("expected pin 042137, got %s", payload.PIN)
	}
	if payload.LotID == nil || *payload.LotID != res.LotID {
		t.Error("expected lot id in payload")
	}
	if payload.CartGroupID != nil {
		t.Error("single payload must not carry a cart group id")
	}
	if payload.Timestamp == 0 {
		t.Error("expected timestamp")
	}
}

func TestBuildCartQRPayload_Group(t *testing.T) {
	userID := uuid.New()
	group := domain.CartGroup{
		ID:        uuid.New(),
		PickupPIN: "000042",
		Reservations: []domain.Reservation{
			{ID: uuid.New(), PickupPIN: "000042", TotalPrice: 3.5},
			{ID: uuid.New(), PickupPIN: "000042", TotalPrice: 6.0},
		},
	}
	data, err := pin.BuildCartQRPayload(group, userID)
	if err != nil {
		t.Fatal(err)
	}

	var payload pin.QRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != "group" {
		t.Errorf("expected type group, got %s", payload.Type)
	}
	if len(payload.ReservationIDs) != 2 {
		t.Fatalf("expected 2 reservation ids, got %d", len(payload.ReservationIDs))
	}
	if payload.CartGroupID == nil || *payload.CartGroupID != group.ID {
		t.Error("expected cart group id in payload")
	}
	if got := group.TotalPrice(); got != 9.5 {
		t.Errorf("expected group total 9.5, got %v", got)
	}
}
