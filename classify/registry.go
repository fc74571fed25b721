package classify

import "regexp"

// Category is one entry of the fixed system-category registry used by the
// rule-based pass.
type Category struct {
	Name          string
	Keywords      []string
	Patterns      []*regexp.Regexp
	Subcategories []string
}

// SystemCategories is the built-in registry. Tenant-defined categories only
// participate in the model-based pass.
var SystemCategories = []Category{
	{
		Name: "Legal",
		Keywords: []string{
			"contract", "agreement", "clause", "liability", "compliance",
			"regulation", "statute", "jurisdiction", "confidentiality",
			"indemnity", "warranty", "arbitration",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bterms\s+and\s+conditions\b`),
			regexp.MustCompile(`(?i)\bgoverning\s+law\b`),
			regexp.MustCompile(`(?i)\bsection\s+\d+(\.\d+)*\b`),
		},
		Subcategories: []string{"Contracts", "Compliance", "Privacy", "Litigation"},
	},
	{
		Name: "Financial",
		Keywords: []string{
			"invoice", "revenue", "budget", "profit", "expense", "balance",
			"audit", "fiscal", "tax", "payment", "forecast", "liquidity",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`[$€£]\s?\d[\d,.]*`),
			regexp.MustCompile(`(?i)\bQ[1-4]\s+\d{4}\b`),
			regexp.MustCompile(`(?i)\bfiscal\s+year\b`),
		},
		Subcategories: []string{"Invoices", "Reports", "Budgets", "Audits"},
	},
	{
		Name: "HR",
		Keywords: []string{
			"employee", "recruitment", "onboarding", "payroll", "benefits",
			"performance", "leave", "training", "salary", "vacancy",
			"appraisal", "grievance",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bjob\s+description\b`),
			regexp.MustCompile(`(?i)\bhuman\s+resources\b`),
			regexp.MustCompile(`(?i)\bemployment\s+contract\b`),
		},
		Subcategories: []string{"Recruitment", "Policies", "Payroll", "Training"},
	},
	{
		Name: "Technical",
		Keywords: []string{
			"api", "software", "deployment", "database", "architecture",
			"server", "protocol", "configuration", "latency", "debugging",
			"endpoint", "kubernetes",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bversion\s+\d+\.\d+`),
			regexp.MustCompile(`(?i)https?://\S+`),
			regexp.MustCompile("```"),
		},
		Subcategories: []string{"Documentation", "Runbooks", "Specifications", "Release Notes"},
	},
	{
		Name: "Marketing",
		Keywords: []string{
			"campaign", "brand", "audience", "conversion", "engagement",
			"newsletter", "promotion", "advertising", "funnel", "outreach",
			"seo", "retention",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bclick-?through\b`),
			regexp.MustCompile(`(?i)\bcall\s+to\s+action\b`),
			regexp.MustCompile(`(?i)\bsocial\s+media\b`),
		},
		Subcategories: []string{"Campaigns", "Content", "Analytics", "Branding"},
	},
}
