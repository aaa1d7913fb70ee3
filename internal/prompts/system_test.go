package prompts

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestSystem_Golden(t *testing.T) {
	got := System(SystemInput{
		Capabilities: []Capability{
			{Signature: "calculate_ytd(user_id)", Tier: 1, TierName: "observational", Description: "Year-to-date revenue and expenses"},
			{Signature: `reclassify_transaction(user_id, transaction_id, new_category, reason="")`, Tier: 3, TierName: "active"},
			{Signature: "submit_tax_return(user_id, year, return_data)", Tier: 4, TierName: "critical", SecureHandover: true, Description: "File the annual return"},
		},
		Facts: "- [area] vat_status: \"registered\"\n- [project] q3_invoice: {\"amount\":1200} (confidence 80%)",
	})

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "system_prompt", []byte(got))
}

func TestSystem_NoFactsNoCapabilities(t *testing.T) {
	got := System(SystemInput{HostPackage: "host"})

	if !strings.Contains(got, "(none)") {
		t.Error("empty catalogue should say (none)")
	}
	if strings.Contains(got, "Known facts") {
		t.Error("facts section should be omitted without facts")
	}
	if !strings.Contains(got, `import "host"`) {
		t.Error("host package not interpolated")
	}
	if strings.Contains(got, "%!") {
		t.Errorf("bad format verb in prompt:\n%s", got)
	}
}
