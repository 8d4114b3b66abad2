// Package flights provides deterministic mock flight tools. Results are
// derived from SHA-256 digests of the inputs, so the same query always
// returns the same flights, prices and bookings.
package flights

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/agents"
)

type airline struct {
	Name string
	Code string
}

var (
	airlines = []airline{
		{"Delta Air Lines", "DL"},
		{"United Airlines", "UA"},
		{"American Airlines", "AA"},
		{"Southwest", "WN"},
		{"Alaska Airlines", "AS"},
		{"JetBlue", "B6"},
	}
	fareClasses = []string{"Economy", "Premium Economy", "Business", "First"}
	aircraft    = []string{"A220", "A320", "A321neo", "B737", "B787-8", "E175"}
)

type Flight struct {
	FlightNumber    string `json:"flight_number"`
	Airline         string `json:"airline"`
	Origin          string `json:"origin"`
	Destination     string `json:"destination"`
	Date            string `json:"date"`
	DepartTime      string `json:"depart_time"`
	ArriveTime      string `json:"arrive_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Stops           int    `json:"stops"`
	FareClass       string `json:"fare_class"`
	SeatsLeft       int    `json:"seats_left"`
	Aircraft        string `json:"aircraft"`
}

type Quote struct {
	FlightNumber string  `json:"flight_number"`
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	FareBasis    string  `json:"fare_basis"`
	LastUpdated  string  `json:"last_updated"`
}

type Booking struct {
	BookingID    string  `json:"booking_id"`
	FlightNumber string  `json:"flight_number"`
	Status       string  `json:"status"`
	Ticketed     bool    `json:"ticketed"`
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	Seat         string  `json:"seat"`
	FareClass    string  `json:"fare_class"`
	Notes        string  `json:"notes"`
}

// Now is the clock used for quote timestamps and for dates that fail to parse.
var Now = func() time.Time { return time.Now().UTC() }

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func routeRNG(origin, destination, travelDate string) *rand.Rand {
	seedText := strings.ToLower(strings.TrimSpace(origin)) + "|" + strings.ToLower(strings.TrimSpace(destination)) + "|" + strings.TrimSpace(travelDate)
	sum := sha256.Sum256([]byte(seedText))
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
}

func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

// FindFlight returns three to five mock flights for a route and date.
func FindFlight(origin, destination, travelDate string) []Flight {
	rng := routeRNG(origin, destination, travelDate)
	count := between(rng, 3, 5)
	day, err := time.Parse(time.DateOnly, strings.TrimSpace(travelDate))
	if err != nil {
		now := Now()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	baseHour := between(rng, 6, 18)

	flights := make([]Flight, 0, count)
	for offset := 0; offset < count; offset++ {
		al := airlines[rng.IntN(len(airlines))]
		number := fmt.Sprintf("%s%d", al.Code, between(rng, 100, 999))
		minute := []int{0, 15, 30, 45}[rng.IntN(4)]
		depart := day.Add(time.Duration((baseHour+offset*2)%24)*time.Hour + time.Duration(minute)*time.Minute)
		duration := between(rng, 90, 360)
		arrive := depart.Add(time.Duration(duration) * time.Minute)
		flights = append(flights, Flight{
			FlightNumber:    number,
			Airline:         al.Name,
			Origin:          origin,
			Destination:     destination,
			Date:            day.Format(time.DateOnly),
			DepartTime:      depart.Format("2006-01-02T15:04"),
			ArriveTime:      arrive.Format("2006-01-02T15:04"),
			DurationMinutes: duration,
			Stops:           []int{0, 0, 1}[rng.IntN(3)],
			FareClass:       fareClasses[rng.IntN(len(fareClasses))],
			SeatsLeft:       between(rng, 3, 24),
			Aircraft:        aircraft[rng.IntN(len(aircraft))],
		})
	}
	return flights
}

// Price is the mock fare for a flight number in USD.
func Price(flightNumber string) float64 {
	d := digest(flightNumber)
	n, _ := strconv.ParseUint(d[:6], 16, 64)
	base := 140 + float64(n%620)
	return math.Round((base+24.95)*100) / 100
}

func GetFlightPrice(flightNumber string) Quote {
	return Quote{
		FlightNumber: flightNumber,
		Currency:     "USD",
		Amount:       Price(flightNumber),
		FareBasis:    "ECO",
		LastUpdated:  Now().Format(time.RFC3339),
	}
}

func BookFlight(flightNumber string) Booking {
	d := digest("book|" + flightNumber)
	row, _ := strconv.ParseUint(d[6:8], 16, 64)
	col, _ := strconv.ParseUint(d[8:10], 16, 64)
	return Booking{
		BookingID:    "PNR-" + strings.ToUpper(d[:6]),
		FlightNumber: flightNumber,
		Status:       "confirmed",
		Ticketed:     true,
		Currency:     "USD",
		Amount:       Price(flightNumber),
		Seat:         fmt.Sprintf("%d%c", row%28+1, rune('A'+col%6)),
		FareClass:    "Economy",
		Notes:        "Mock booking only; no real reservation was created.",
	}
}

var flightNumberParams = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"flight_number": map[string]any{"type": "string", "minLength": 1},
	},
	"required":             []any{"flight_number"},
	"additionalProperties": false,
}

func FindFlightTool() *agents.Tool {
	return &agents.Tool{
		Name:        "find_flight",
		Description: "Return mock flight options for a given route and date.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"origin":      map[string]any{"type": "string", "minLength": 1},
				"destination": map[string]any{"type": "string", "minLength": 1},
				"travel_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
			},
			"required":             []any{"origin", "destination", "travel_date"},
			"additionalProperties": false,
		},
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return FindFlight(agents.StringArg(args, "origin"), agents.StringArg(args, "destination"), agents.StringArg(args, "travel_date")), nil
		},
	}
}

func GetFlightPriceTool() *agents.Tool {
	return &agents.Tool{
		Name:        "get_flight_price",
		Description: "Return a mock price quote for a flight number.",
		Parameters:  flightNumberParams,
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return GetFlightPrice(agents.StringArg(args, "flight_number")), nil
		},
	}
}

func BookFlightTool() *agents.Tool {
	return &agents.Tool{
		Name:        "book_flight",
		Description: "Return a mock booking confirmation for a flight number.",
		Parameters:  flightNumberParams,
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return BookFlight(agents.StringArg(args, "flight_number")), nil
		},
	}
}

// Toolbox exposes the flight tools to agents defined in the agents file.
func Toolbox() agents.Toolbox {
	return agents.Toolbox{
		"find_flight":      FindFlightTool,
		"get_flight_price": GetFlightPriceTool,
		"book_flight":      BookFlightTool,
	}
}
