package flights

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/event"
	"github.com/flitsinc/agentruns/internal/idgen"
)

const (
	DemoKey  = "demo"
	DemoName = "Demo Agent"

	DemoInstructions = `You are a friendly travel assistant. Use find_flight to look up options for a route and date,
get_flight_price to quote a specific flight and book_flight to book it. All data is mock data; say so when booking.
Answer in short Markdown with flight numbers in bold.`
)

// Demo returns the builtin demo agent. A nil invoker means the scripted
// invoker is used.
func Demo(invoker agents.Invoker, maxTurns int) agents.Builtin {
	if invoker == nil {
		invoker = NewScripted()
	}
	return agents.Builtin{
		Key: DemoKey,
		Constructor: func() (agents.Definition, error) {
			return agents.Definition{
				Key:          DemoKey,
				Name:         DemoName,
				Instructions: DemoInstructions,
				MaxTurns:     maxTurns,
				Tools:        []*agents.Tool{FindFlightTool(), GetFlightPriceTool(), BookFlightTool()},
				Invoker:      invoker,
			}, nil
		},
	}
}

var (
	routeRe = regexp.MustCompile(`(?i)\bfrom\s+([a-z]{3})\s+to\s+([a-z]{3})(?:\s+on\s+(\d{4}-\d{2}-\d{2}))?`)
	bookRe  = regexp.MustCompile(`(?i)\bbook\b.*?\b([a-z][a-z0-9]\d{3})\b`)
	priceRe = regexp.MustCompile(`(?i)\b(?:price|cost|quote)\b.*?\b([a-z][a-z0-9]\d{3})\b`)
)

// Scripted is a rule-based stand-in for a model. It recognises route,
// price and booking requests in the latest user message, calls the
// matching tool once and replies in Markdown.
type Scripted struct {
	newCallID func() string
}

func NewScripted() *Scripted {
	return &Scripted{newCallID: func() string {
		return "call_" + strings.ReplaceAll(idgen.New(), "-", "")[:24]
	}}
}

type step struct {
	reason string
	tool   string
	args   map[string]any
}

func (s *Scripted) Invoke(ctx context.Context, req agents.Request, emit agents.Emit) (agents.Result, error) {
	text := agents.LastUserText(req.History)
	if strings.TrimSpace(text) == "" {
		return agents.Result{}, fmt.Errorf("no user message to respond to")
	}

	st := plan(text)
	if st.tool != "" {
		if _, ok := req.Definition.Tool(st.tool); !ok {
			st = step{reason: fmt.Sprintf("The %s tool is not available to this agent.", st.tool)}
		}
	}
	if err := emit(ctx, event.NewReasoning([]any{st.reason})); err != nil {
		return agents.Result{}, err
	}

	reply := helpText(req.Definition)
	if st.tool != "" {
		tool, _ := req.Definition.Tool(st.tool)
		argsJSON, err := json.Marshal(st.args)
		if err != nil {
			return agents.Result{}, fmt.Errorf("encode tool arguments: %w", err)
		}
		callID := s.newCallID()
		if err := emit(ctx, event.NewFunctionCall(tool.Name, string(argsJSON), callID)); err != nil {
			return agents.Result{}, err
		}
		out, err := tool.Call(ctx, string(argsJSON))
		if err != nil {
			return agents.Result{}, fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		outJSON, err := json.Marshal(out)
		if err != nil {
			return agents.Result{}, fmt.Errorf("encode tool output: %w", err)
		}
		if err := emit(ctx, event.NewFunctionCallOutput(callID, string(outJSON))); err != nil {
			return agents.Result{}, err
		}
		reply = summarize(out)
	}

	if err := emit(ctx, event.AssistantMessage(reply)); err != nil {
		return agents.Result{}, err
	}
	return agents.Result{FinalOutput: reply}, nil
}

func plan(text string) step {
	if m := bookRe.FindStringSubmatch(text); m != nil {
		number := strings.ToUpper(m[1])
		return step{
			reason: fmt.Sprintf("The user wants to book %s.", number),
			tool:   "book_flight",
			args:   map[string]any{"flight_number": number},
		}
	}
	if m := priceRe.FindStringSubmatch(text); m != nil {
		number := strings.ToUpper(m[1])
		return step{
			reason: fmt.Sprintf("The user asked for the price of %s.", number),
			tool:   "get_flight_price",
			args:   map[string]any{"flight_number": number},
		}
	}
	if m := routeRe.FindStringSubmatch(text); m != nil {
		date := m[3]
		if date == "" {
			date = Now().Add(24 * time.Hour).Format(time.DateOnly)
		}
		origin, destination := strings.ToUpper(m[1]), strings.ToUpper(m[2])
		return step{
			reason: fmt.Sprintf("Looked for flights from %s to %s on %s.", origin, destination, date),
			tool:   "find_flight",
			args:   map[string]any{"origin": origin, "destination": destination, "travel_date": date},
		}
	}
	return step{reason: "The request did not name a route or a flight number."}
}

func summarize(out any) string {
	switch v := out.(type) {
	case []Flight:
		if len(v) == 0 {
			return "I could not find any flights for that route."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Here are %d flights from %s to %s on %s:\n", len(v), v[0].Origin, v[0].Destination, v[0].Date)
		for _, f := range v {
			fmt.Fprintf(&b, "- **%s** %s, departs %s, arrives %s (%d stops, %s)\n",
				f.FlightNumber, f.Airline, clock(f.DepartTime), clock(f.ArriveTime), f.Stops, f.FareClass)
		}
		b.WriteString("\nAsk me for a price or to book one of them.")
		return b.String()
	case Quote:
		return fmt.Sprintf("**%s** costs %s %.2f.", v.FlightNumber, v.Currency, v.Amount)
	case Booking:
		return fmt.Sprintf("Booked **%s**. Confirmation _%s_, seat %s, %s %.2f.\n\n%s",
			v.FlightNumber, v.BookingID, v.Seat, v.Currency, v.Amount, v.Notes)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

func clock(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i >= 0 {
		return ts[i+1:]
	}
	return ts
}

func helpText(def agents.Definition) string {
	var b strings.Builder
	b.WriteString("I can help with mock flights:\n")
	for _, name := range def.ToolNames() {
		switch name {
		case "find_flight":
			b.WriteString("- search: *flights from SFO to JFK on 2025-03-01*\n")
		case "get_flight_price":
			b.WriteString("- quote: *price UA123*\n")
		case "book_flight":
			b.WriteString("- book: *book UA123*\n")
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
