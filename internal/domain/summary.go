package domain

// OutcomeCounts counts event outcomes by status
type OutcomeCounts struct {
	Applied  int `json:"applied"`
	Ignored  int `json:"ignored"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// Total returns the number of events counted
func (c OutcomeCounts) Total() int {
	return c.Applied + c.Ignored + c.Rejected + c.Failed
}

// Add counts one outcome
func (c *OutcomeCounts) Add(status OutcomeStatus) {
	switch status {
	case OutcomeApplied:
		c.Applied++
	case OutcomeIgnored:
		c.Ignored++
	case OutcomeRejected:
		c.Rejected++
	case OutcomeFailed:
		c.Failed++
	}
}

// DomainSummary represents the outcomes of a run for one entity family
type DomainSummary struct {
	Domain Domain `json:"domain"`
	OutcomeCounts
}

// RunSummary represents aggregated outcomes of a run
type RunSummary struct {
	Run      SyncRun         `json:"run"`
	Totals   OutcomeCounts   `json:"totals"`
	Domains  []DomainSummary `json:"domains"`  // ordered by domain
	Problems []EventOutcome  `json:"problems"` // rejected and failed events, in event order
}
