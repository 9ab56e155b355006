package sim

import (
	"testing"
	"time"
)

func TestNextBookingIsComplete(t *testing.T) {
	g := NewGenerator(42)
	req := g.NextBooking()
	if req.Tool != "appointment_book" {
		t.Fatalf("tool = %s", req.Tool)
	}
	for _, field := range []string{"provider_name", "location", "slot_datetime"} {
		v, _ := req.Payload[field].(string)
		if v == "" {
			t.Fatalf("missing %s in %v", field, req.Payload)
		}
	}
	slot, _ := req.Payload["slot_datetime"].(string)
	if _, err := time.Parse(time.RFC3339, slot); err != nil {
		t.Fatalf("slot_datetime %q not RFC3339: %v", slot, err)
	}
	if !req.UserConfirmed {
		t.Fatal("bookings should arrive confirmed")
	}
}

func TestGeneratorDeterministicWithSeed(t *testing.T) {
	a := NewGenerator(7).NextBooking()
	b := NewGenerator(7).NextBooking()
	if a.Payload["provider_name"] != b.Payload["provider_name"] {
		t.Fatalf("same seed produced different providers: %v vs %v",
			a.Payload["provider_name"], b.Payload["provider_name"])
	}
}

func TestCounter(t *testing.T) {
	var c Counter
	c.Add("ok", false)
	c.Add("ok", true)
	c.Add("blocked", false)
	if c.Attempts != 3 || c.Succeeded != 2 || c.Blocked != 1 || c.Replayed != 1 {
		t.Fatalf("counter = %+v", c)
	}
}
