package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type worldTimeArgs struct {
	Location string `json:"location,omitempty" jsonschema:"description=IANA timezone name like Europe/Berlin or America/New_York. Omit for server-local time."`
}

// cityZones maps a few spoken names onto IANA zones so the model does not
// have to know the database.
var cityZones = map[string]string{
	"berlin":      "Europe/Berlin",
	"london":      "Europe/London",
	"paris":       "Europe/Paris",
	"new york":    "America/New_York",
	"los angeles": "America/Los_Angeles",
	"chicago":     "America/Chicago",
	"tokyo":       "Asia/Tokyo",
	"shanghai":    "Asia/Shanghai",
	"sydney":      "Australia/Sydney",
	"utc":         "UTC",
}

func worldTimeTool() *Tool {
	return &Tool{
		Name:        "world_time",
		Description: "Get the current date and time, optionally in a specific timezone or city.",
		Parameters:  GenerateSchema[worldTimeArgs](),
		Handler:     worldTimeHandler,
		Enabled:     true,
		Scrub:       ScrubNone,
	}
}

func worldTimeHandler(_ context.Context, raw json.RawMessage) (string, error) {
	var args worldTimeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}

	loc := time.Local
	label := "server local"
	if args.Location != "" {
		name := args.Location
		if zone, ok := cityZones[strings.ToLower(strings.TrimSpace(name))]; ok {
			name = zone
		}
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", args.Location)
		}
		loc = parsed
		label = name
	}

	now := time.Now().In(loc)
	return fmt.Sprintf("%s (%s, %s)", now.Format("Monday, 2 January 2006 15:04:05 MST"), label, now.Format("-07:00")), nil
}
