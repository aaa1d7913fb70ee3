package prompts

import (
	"fmt"
	"strings"
)

// Capability is one line of the catalogue shown to the model.
type Capability struct {
	Signature      string
	Tier           int
	TierName       string
	SecureHandover bool
	Description    string
}

// SystemInput is the dynamic part of the system prompt.
type SystemInput struct {
	// Capabilities in the order they should be listed.
	Capabilities []Capability
	// Facts is the rendered fact context; empty when the subject has
	// no active facts.
	Facts string
	// HostPackage is the import path programs use to reach the host.
	HostPackage string
}

const systemHeader = `You are a financial operations assistant. You act for exactly one taxpayer, identified by in["user_id"].

Answer in one of two ways:
1. Plain text, when no data or action is needed.
2. Exactly ONE fenced Go program, when you need data or want to act:

` + "```go" + `
package main

import "%[1]s"

func Run(in map[string]any) (any, error) {
	ytd, err := %[1]s.Call("calculate_ytd", in["user_id"])
	if err != nil {
		return nil, err
	}
	return ytd, nil
}
` + "```" + `

Program rules:
- Define func Run(in map[string]any) (any, error). Do not define main or init. Do not start goroutines.
- Call capabilities with %[1]s.Call(name, args...) or %[1]s.CallKw(name, map[string]any{...}).
- A failed call returns an error. %[1]s.KindOf(err) names the failure: capability_error, not_found, argument_error, approval_denied.
- Numbers come back as float64 and objects as map[string]any.
- Always pass in["user_id"] as user_id. Never act for another taxpayer.
- The value Run returns is shown to the user.
- Run is re-run from the start after an approval, so it must compute the same calls every time. Take dates from capabilities, not from a clock.

Tiers:
- observational and advisory capabilities run immediately. Advisory actions can be undone for a limited time.
- active capabilities pause the program until a human approves.
- critical capabilities pause the program until the taxpayer approves through a secure channel.`

// System returns the system prompt for program generation.
func System(in SystemInput) string {
	host := in.HostPackage
	if host == "" {
		host = "prism"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, systemHeader, host)

	sb.WriteString("\n\n## Capabilities\n")
	if len(in.Capabilities) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range in.Capabilities {
		fmt.Fprintf(&sb, "- %s [tier %d, %s", c.Signature, c.Tier, c.TierName)
		if c.SecureHandover {
			sb.WriteString(", secure handover")
		}
		sb.WriteString("]")
		if c.Description != "" {
			sb.WriteString(": " + c.Description)
		}
		sb.WriteByte('\n')
	}

	if in.Facts != "" {
		sb.WriteString("\n## Known facts about this taxpayer\n")
		sb.WriteString(in.Facts)
		sb.WriteByte('\n')
	}
	return sb.String()
}
