package plugin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// CorePlugin provides built-in functions that need no external service.
type CorePlugin struct {
	now func() time.Time
}

// NewCorePlugin creates the built-in "core" plugin.
func NewCorePlugin() *CorePlugin {
	return &CorePlugin{now: time.Now}
}

// Descriptor implements Plugin.
func (p *CorePlugin) Descriptor() Descriptor {
	return Descriptor{
		Name:        "core",
		Description: "Built-in utilities",
		Version:     "1.0.0",
		Functions: []FunctionSchema{
			{
				Name:        "get_time",
				Description: "Get the current date and time, optionally in an IANA time zone",
				Parameters: []Parameter{
					{Name: "timezone", Type: TypeString, Description: "IANA zone such as Europe/Warsaw"},
				},
			},
			{
				Name:        "echo",
				Description: "Repeat the given text back",
				Parameters: []Parameter{
					{Name: "text", Type: TypeString, Required: true},
				},
			},
			{
				Name:        "random_number",
				Description: "Pick a random integer between min and max inclusive",
				Parameters: []Parameter{
					{Name: "min", Type: TypeInteger, Required: true},
					{Name: "max", Type: TypeInteger, Required: true},
				},
			},
		},
	}
}

// Execute implements Plugin.
func (p *CorePlugin) Execute(_ context.Context, function string, args map[string]any, _ string) (Result, error) {
	switch function {
	case "get_time":
		now := p.now()
		if tz, _ := args["timezone"].(string); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return Result{Success: false, Error: fmt.Sprintf("unknown time zone %q", tz)}, nil
			}
			now = now.In(loc)
		}
		return Result{Success: true, Data: map[string]any{
			"time":    now.Format(time.RFC3339),
			"weekday": now.Weekday().String(),
		}}, nil
	case "echo":
		return Result{Success: true, Data: args["text"]}, nil
	case "random_number":
		lo, _ := args["min"].(int64)
		hi, _ := args["max"].(int64)
		if hi < lo {
			return Result{Success: false, Error: "max must not be less than min"}, nil
		}
		return Result{Success: true, Data: lo + rand.Int64N(hi-lo+1)}, nil
	default:
		return Result{}, fmt.Errorf("core: unknown function %q", function)
	}
}
