// Package sim generates synthetic patient traffic for demo and load runs.
package sim

import (
	"math/rand"
	"time"
)

// Request is one simulated tool invocation.
type Request struct {
	Tool          string
	Payload       map[string]any
	MessageText   string
	UserConfirmed bool
}

type Scenario struct {
	Name      string
	Providers []string
	Locations []string
	Messages  []string
}

func ClinicDayScenario() Scenario {
	return Scenario{
		Name: "ClinicDay",
		Providers: []string{
			"Dr. Chen",
			"Dr. Okafor",
			"Dr. Ramirez",
			"Nurse Practitioner Lee",
		},
		Locations: []string{
			"Downtown Clinic",
			"Northside Family Medicine",
			"Riverside Health Center",
		},
		Messages: []string{
			"I need to see someone about my blood pressure",
			"Can you book my annual physical",
			"My refill is running low, please help",
			"I want to follow up on my lab results",
		},
	}
}

type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
	baseDay  time.Time
}

func NewGenerator(seed int64) Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return Generator{
		scenario: ClinicDayScenario(),
		rnd:      rand.New(rand.NewSource(seed)),
		baseDay:  time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour),
	}
}

// NextBooking produces a random appointment request with a concrete slot.
func (g Generator) NextBooking() Request {
	sc := g.scenario
	slot := g.baseDay.
		AddDate(0, 0, g.rnd.Intn(14)).
		Add(time.Duration(8+g.rnd.Intn(9)) * time.Hour).
		Add(time.Duration(g.rnd.Intn(4)*15) * time.Minute)
	return Request{
		Tool: "appointment_book",
		Payload: map[string]any{
			"provider_name": sc.Providers[g.rnd.Intn(len(sc.Providers))],
			"location":      sc.Locations[g.rnd.Intn(len(sc.Locations))],
			"slot_datetime": slot.Format(time.RFC3339),
		},
		MessageText:   sc.Messages[g.rnd.Intn(len(sc.Messages))],
		UserConfirmed: true,
	}
}

// NextListing produces a read-only medication list request.
func (g Generator) NextListing() Request {
	return Request{Tool: "medication_list", Payload: map[string]any{}}
}
