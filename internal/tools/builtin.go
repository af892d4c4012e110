package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetrieveToolsName is the built-in the model calls when its current tools
// are insufficient.
const RetrieveToolsName = "retrieve_tools"

const retrieveToolsDescription = "Fetches additional tools that can be used to accomplish your task when the current set of available tools is insufficient. " +
	"Dont say i dont have functionality or capability!. " +
	"Use this function to dynamically expand your capabilities by searching for new tools based on specific keywords."

// RetrieveToolsArgs are the arguments of retrieve_tools.
type RetrieveToolsArgs struct {
	Keywords string `json:"keywords" jsonschema_description:"A list of atleast three keywords (eg. web_search, calculator, get_weather) name of the functions you need!"`
}

// RetrieveTools declares retrieve_tools. Its execution needs the turn's
// selector and conversation, so the orchestrator runs it.
func RetrieveTools() (*Tool, error) {
	return Declare[RetrieveToolsArgs](RetrieveToolsName, retrieveToolsDescription)
}

// CurrentTimeName reports the wall clock.
const CurrentTimeName = "current_time"

// CurrentTimeArgs are the arguments of current_time.
type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name such as Europe/Paris. Defaults to UTC."`
}

// CurrentTime returns the current_time tool. now is injectable for tests.
func CurrentTime(now func() time.Time) (*Tool, error) {
	if now == nil {
		now = time.Now
	}
	return New(CurrentTimeName, "Returns the current date and time, optionally in a given timezone.",
		func(_ context.Context, args CurrentTimeArgs) (string, error) {
			zone := strings.TrimSpace(args.Timezone)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", zone)
			}
			t := now().In(loc)
			return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Format("Monday")), nil
		})
}

// Builtins returns the registry of every built-in tool.
func Builtins() (*Registry, error) {
	retrieve, err := RetrieveTools()
	if err != nil {
		return nil, err
	}
	clock, err := CurrentTime(nil)
	if err != nil {
		return nil, err
	}
	return NewRegistry(retrieve, clock)
}
