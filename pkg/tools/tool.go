// Package tools implements the functions the live model may call.
//
// Every tool name is a member of a closed set. A Registry maps each name
// to its declaration and handler and refuses to build when a name has no
// handler, so a new tool cannot be declared to the model and then go
// unanswered.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/teslashibe/go-narrator/pkg/conversation"
)

// Name identifies a tool.
type Name string

const (
	WebSearch             Name = "webSearch"
	NavigateWeb           Name = "navigateWeb"
	OnlineShoppingSearch  Name = "onlineShoppingSearch"
	FindNearbyPlaces      Name = "findNearbyPlaces"
	CallEmergencyServices Name = "callEmergencyServices"
	DescribeEnvironment   Name = "describeEnvironment"
)

// AllNames is the closed set of tool names.
var AllNames = []Name{
	WebSearch,
	NavigateWeb,
	OnlineShoppingSearch,
	FindNearbyPlaces,
	CallEmergencyServices,
	DescribeEnvironment,
}

// Result values, shared with the orchestrator's own failure responses.
const (
	ResultSuccess     = conversation.ResultSuccess
	ResultFailure     = conversation.ResultFailure
	ResultUnknownTool = conversation.ResultUnknownTool
)

// Result is the response object sent back to the model.
type Result map[string]interface{}

// Success builds a success result with optional extra fields.
func Success(kv ...interface{}) Result {
	r := Result{"result": ResultSuccess}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			r[k] = kv[i+1]
		}
	}
	return r
}

// Failure builds a failure result.
func Failure(err error) Result {
	return Result{"result": ResultFailure, "error": err.Error()}
}

// Handler executes a tool with parsed arguments.
type Handler func(ctx context.Context, args map[string]interface{}) (Result, error)

// Tool is a named, declared, executable function.
type Tool struct {
	Name        Name                   `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Handler     Handler                `json:"-"`
}

// ErrMissingArgument is returned when a required argument is absent.
var ErrMissingArgument = errors.New("missing argument")

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, _ := args[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	return v, nil
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// Check reports names in AllNames without a tool and tools whose name is
// not in AllNames.
func Check(tools []Tool) error {
	known := make(map[Name]bool, len(AllNames))
	for _, n := range AllNames {
		known[n] = true
	}
	have := make(map[Name]bool, len(tools))
	var problems []string
	for _, t := range tools {
		if !known[t.Name] {
			problems = append(problems, fmt.Sprintf("undeclared tool %q", t.Name))
		}
		if have[t.Name] {
			problems = append(problems, fmt.Sprintf("duplicate tool %q", t.Name))
		}
		if t.Handler == nil {
			problems = append(problems, fmt.Sprintf("tool %q has no handler", t.Name))
		}
		have[t.Name] = true
	}
	for _, n := range AllNames {
		if !have[n] {
			problems = append(problems, fmt.Sprintf("no tool for %q", n))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("tools: %s", strings.Join(problems, "; "))
	}
	return nil
}
